// Package httpclient builds the HTTP clients used to reach remote agents and
// notification endpoints. Every request is bounded by a connect timeout and an
// idle timeout which fail with distinct errors.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/duplimon/internal/config"
	"golang.org/x/net/proxy"
)

const (
	// DefaultConnectTimeout bounds dialing and the TLS handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds the silence between bytes once connected.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps how much of a response body is buffered.
	DefaultMaxBodyBytes = 32 << 20
)

var (
	// ErrConnectTimeout is returned when the connection never establishes.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrIdleTimeout is returned when no bytes arrive for longer than the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
)

// Options configures the HTTP client.
type Options struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// InsecureSkipVerify accepts self-signed certificates. Remote agents are
	// normally reached on private networks with generated certificates.
	InsecureSkipVerify bool
	ProxyConfig        *config.ProxyConfig
	MaxBodyBytes       int64
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client performs requests with connect and idle timeouts.
type Client struct {
	opts Options
	http *http.Client
	dial dialFunc
}

// New creates a new HTTP client with optional proxy support.
func New(opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	c := &Client{
		opts: opts,
		dial: (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext,
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // agents use self-signed certificates
	}

	transport := &http.Transport{
		DialContext: c.dialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return c.dialTLSContext(ctx, network, addr, tlsConfig)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: 0,
		DisableKeepAlives:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.ProxyConfig != nil && opts.ProxyConfig.HasProxy() {
		if err := c.configureProxy(transport, opts.ProxyConfig); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	c.http = &http.Client{Transport: transport}
	return c, nil
}

// ConnectTimeout returns the effective connect timeout.
func (c *Client) ConnectTimeout() time.Duration { return c.opts.ConnectTimeout }

// IdleTimeout returns the effective idle timeout.
func (c *Client) IdleTimeout() time.Duration { return c.opts.IdleTimeout }

// Do sends the request and buffers the whole response body. Failures caused
// by the connect or idle timeout wrap ErrConnectTimeout or ErrIdleTimeout.
func (c *Client) Do(req *http.Request) (*Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	defer cancel(nil)

	wd := &watchdog{idle: c.opts.IdleTimeout, cancel: cancel}
	defer wd.stop()

	req = req.WithContext(context.WithValue(ctx, watchdogKey{}, wd))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, fmt.Errorf("read response body: %w", err))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, ErrConnectTimeout):
		return err
	case errors.Is(cause, ErrConnectTimeout):
		return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.opts.ConnectTimeout, err)
	case errors.Is(cause, ErrIdleTimeout):
		return fmt.Errorf("%w: no data received for %s: %v", ErrIdleTimeout, c.opts.IdleTimeout, err)
	}
	return err
}

func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	wd, _ := ctx.Value(watchdogKey{}).(*watchdog)

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dctx, network, addr)
	if err != nil {
		// The caller's own deadline or cancellation is not a connect timeout.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		}
		if dctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			if wd != nil {
				wd.cancel(ErrConnectTimeout)
			}
			return nil, fmt.Errorf("%w after %s dialing %s: %v", ErrConnectTimeout, c.opts.ConnectTimeout, addr, err)
		}
		return nil, err
	}

	if wd == nil {
		return conn, nil
	}
	wd.kick()
	return &watchedConn{Conn: conn, wd: wd}, nil
}

func (c *Client) dialTLSContext(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	conn, err := c.dialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsCfg := cfg.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		if ctx.Err() == nil && hctx.Err() == context.DeadlineExceeded {
			if wd, ok := ctx.Value(watchdogKey{}).(*watchdog); ok {
				wd.cancel(ErrConnectTimeout)
			}
			return nil, fmt.Errorf("%w after %s in TLS handshake with %s: %v", ErrConnectTimeout, c.opts.ConnectTimeout, addr, err)
		}
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type watchdogKey struct{}

// watchdog cancels a request once no bytes have moved for the idle timeout.
type watchdog struct {
	idle   time.Duration
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (w *watchdog) kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.idle, func() { w.cancel(ErrIdleTimeout) })
		return
	}
	w.timer.Reset(w.idle)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

type watchedConn struct {
	net.Conn
	wd *watchdog
}

func (c *watchedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.wd.kick()
	}
	return n, err
}

func (c *watchedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.wd.kick()
	}
	return n, err
}

// configureProxy sets up proxy configuration on the transport.
func (c *Client) configureProxy(transport *http.Transport, cfg *config.ProxyConfig) error {
	// SOCKS5 proxy takes precedence if configured
	if cfg.SOCKS5Proxy != "" {
		return c.configureSocks5Proxy(cfg.SOCKS5Proxy)
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req, cfg)
	}
	return nil
}

// configureSocks5Proxy routes every dial through a SOCKS5 proxy.
func (c *Client) configureSocks5Proxy(socks5URL string) error {
	proxyURL, err := url.Parse(socks5URL)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		c.dial = cd.DialContext
		return nil
	}
	c.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	return nil
}

// proxyFunc returns the proxy URL for the given request.
func proxyFunc(req *http.Request, cfg *config.ProxyConfig) (*url.URL, error) {
	if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}

	var proxyURLStr string
	if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
		proxyURLStr = cfg.HTTPSProxy
	} else if cfg.HTTPProxy != "" {
		proxyURLStr = cfg.HTTPProxy
	}

	if proxyURLStr == "" {
		return nil, nil
	}

	return url.Parse(proxyURLStr)
}

// shouldBypassProxy checks if a host should bypass the proxy.
func shouldBypassProxy(host string, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*", hostOnly == pattern:
			return true
		case strings.HasPrefix(pattern, ".") && strings.HasSuffix(hostOnly, pattern):
			return true
		case strings.HasSuffix(hostOnly, "."+pattern):
			return true
		}
	}

	return false
}

// ProxyInfo returns a description of the configured proxy.
func ProxyInfo(cfg *config.ProxyConfig) string {
	if cfg == nil || !cfg.HasProxy() {
		return "No proxy configured"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, fmt.Sprintf("SOCKS5: %s", maskProxyURL(cfg.SOCKS5Proxy)))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, fmt.Sprintf("HTTP: %s", maskProxyURL(cfg.HTTPProxy)))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, fmt.Sprintf("HTTPS: %s", maskProxyURL(cfg.HTTPSProxy)))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, fmt.Sprintf("NoProxy: %s", cfg.NoProxy))
	}

	return strings.Join(parts, ", ")
}

// maskProxyURL masks credentials in a proxy URL for display.
func maskProxyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}

	return u.String()
}
