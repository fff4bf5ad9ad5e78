package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/MacJediWizard/duplimon/internal/httpclient"
	"github.com/MacJediWizard/duplimon/internal/models"
	"github.com/rs/zerolog"
)

// ntfy error codes 42901 through 42909 are the rate limit family.
const (
	ntfyRateLimitFirst = 42901
	ntfyRateLimitLast  = 42909
)

// DeliveryError is returned when a notification endpoint answers non-2xx.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Code       int // provider error code, 0 when absent
	Message    string
	Retryable  bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, e.Message)
}

type ntfyErrorBody struct {
	Code  int    `json:"code"`
	HTTP  int    `json:"http"`
	Error string `json:"error"`
}

// NtfySender delivers rendered notifications to an ntfy server.
type NtfySender struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// NewNtfySender creates a new ntfy sender.
func NewNtfySender(proxyConfig *config.ProxyConfig, logger zerolog.Logger) (*NtfySender, error) {
	client, err := httpclient.New(httpclient.Options{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		ProxyConfig:    proxyConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return &NtfySender{
		client: client,
		logger: logger.With().Str("component", "ntfy_sender").Logger(),
	}, nil
}

// Send publishes n to cfg.Topic. Title, priority and tags travel as query
// parameters so they may contain any Unicode; the body is sent as UTF-8.
func (s *NtfySender) Send(ctx context.Context, cfg config.NtfyConfig, n models.RenderedNotification) error {
	target, err := ntfyURL(cfg, n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader([]byte(n.Body)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	if !resp.OK() {
		derr := classifyNtfyError(resp)
		s.logger.Warn().
			Int("status_code", resp.StatusCode).
			Int("code", derr.Code).
			Str("topic", cfg.Topic).
			Msg("ntfy rejected notification")
		return derr
	}

	s.logger.Debug().
		Str("topic", cfg.Topic).
		Str("title", n.Title).
		Msg("ntfy notification sent")
	return nil
}

func ntfyURL(cfg config.NtfyConfig, n models.RenderedNotification) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	topic := strings.Trim(strings.TrimSpace(cfg.Topic), "/")
	if base == "" || topic == "" {
		return "", fmt.Errorf("ntfy url and topic are required")
	}

	u, err := url.Parse(base + "/" + url.PathEscape(topic))
	if err != nil {
		return "", fmt.Errorf("invalid ntfy url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("ntfy url must use HTTP or HTTPS scheme")
	}

	q := u.Query()
	if n.Title != "" {
		q.Set("title", n.Title)
	}
	if n.Priority != "" {
		q.Set("priority", n.Priority)
	}
	if n.Tags != "" {
		q.Set("tags", n.Tags)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyNtfyError(resp *httpclient.Response) *DeliveryError {
	derr := &DeliveryError{Channel: "ntfy", StatusCode: resp.StatusCode}

	var body ntfyErrorBody
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		derr.Code = body.Code
	}

	if derr.Code >= ntfyRateLimitFirst && derr.Code <= ntfyRateLimitLast {
		derr.Retryable = true
		derr.Message = "rate limited by the ntfy server, try again later"
		if body.Error != "" {
			derr.Message += " (" + body.Error + ")"
		}
		return derr
	}

	status := http.StatusText(resp.StatusCode)
	if status == "" {
		status = resp.Status
	}
	derr.Message = "delivery failed: " + status
	return derr
}
