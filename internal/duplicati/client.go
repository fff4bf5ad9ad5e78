// Package duplicati is the client for the Duplicati REST API: transport
// negotiation, login, and the calls the collector needs.
package duplicati

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MacJediWizard/duplimon/internal/httpclient"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/rs/zerolog"
)

const (
	loginPath      = "/api/v1/auth/login"
	systemInfoPath = "/api/v1/systeminfo"
	backupsPath    = "/api/v1/backups"
)

// Client negotiates sessions with remote agents.
type Client struct {
	http   *httpclient.Client
	logger zerolog.Logger
}

// NewClient creates a Client. Certificates presented by agents are not
// verified.
func NewClient(opts httpclient.Options, logger zerolog.Logger) (*Client, error) {
	opts.InsecureSkipVerify = true
	hc, err := httpclient.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return &Client{
		http:   hc,
		logger: logger.With().Str("component", "duplicati_client").Logger(),
	}, nil
}

type loginRequest struct {
	Password   string `json:"Password"`
	RememberMe bool   `json:"RememberMe"`
}

type loginResponse struct {
	AccessToken string `json:"AccessToken"`
	Error       string `json:"Error,omitempty"`
}

// Connect finds a transport that reaches the agent and logs in.
//
// HTTPS is tried first and HTTP second. A login answered with 2xx or 401
// proves the transport reachable; only network failures move on to the next
// transport. A 401 on the reachable transport is returned as *AuthError. When
// every transport fails the *TransportError lists each attempt.
func (c *Client) Connect(ctx context.Context, cred models.RemoteAgentCredential) (*Session, error) {
	candidates, err := candidateURLs(cred.Hostname, cred.Port)
	if err != nil {
		return nil, err
	}

	var attempts []AttemptError
	for _, cand := range candidates {
		resp, err := c.login(ctx, cand.baseURL, cred.Password)
		if err != nil {
			c.logger.Debug().Err(err).
				Str("base_url", cand.baseURL).
				Msg("transport attempt failed")
			attempts = append(attempts, AttemptError{Protocol: cand.protocol, URL: cand.baseURL, Err: err})
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, &AuthError{BaseURL: cand.baseURL, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
		case !resp.OK():
			return nil, fmt.Errorf("login at %s: unexpected status %s", cand.baseURL, resp.Status)
		}

		var lr loginResponse
		if err := json.Unmarshal(resp.Body, &lr); err != nil {
			return nil, fmt.Errorf("decode login response: %w", err)
		}
		if lr.AccessToken == "" {
			return nil, fmt.Errorf("login at %s: response carried no access token", cand.baseURL)
		}

		c.logger.Debug().
			Str("base_url", cand.baseURL).
			Str("protocol", string(cand.protocol)).
			Msg("connected to agent")

		return &Session{
			BaseURL:  cand.baseURL,
			Protocol: cand.protocol,
			token:    lr.AccessToken,
			http:     c.http,
		}, nil
	}

	return nil, &TransportError{Attempts: attempts}
}

func (c *Client) login(ctx context.Context, baseURL, password string) (*httpclient.Response, error) {
	body, err := json.Marshal(loginRequest{Password: password, RememberMe: false})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

type candidate struct {
	protocol models.ServerProtocol
	baseURL  string
}

// candidateURLs returns the base URLs to try in order. A hostname that
// already names a scheme is tried with that scheme only.
func candidateURLs(hostname string, port int) ([]candidate, error) {
	host := strings.TrimSpace(hostname)
	host = strings.TrimRight(host, "/")
	if host == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidAddress)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d is outside 1-65535", ErrInvalidAddress, port)
	}

	protocols := []models.ServerProtocol{models.ProtocolHTTPS, models.ProtocolHTTP}
	for _, p := range protocols {
		prefix := string(p) + "://"
		if strings.HasPrefix(strings.ToLower(host), prefix) {
			host = host[len(prefix):]
			protocols = []models.ServerProtocol{p}
			break
		}
	}
	if strings.ContainsAny(host, "/?#") {
		return nil, fmt.Errorf("%w: hostname %q must not contain a path, query or fragment", ErrInvalidAddress, hostname)
	}

	out := make([]candidate, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, candidate{
			protocol: p,
			baseURL:  fmt.Sprintf("%s://%s:%d", p, host, port),
		})
	}
	return out, nil
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(body []byte) string {
	var v struct {
		Error   string `json:"Error"`
		Message string `json:"Message"`
	}
	if json.Unmarshal(body, &v) == nil {
		if v.Error != "" {
			return v.Error
		}
		if v.Message != "" {
			return v.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
