package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/straja-ai/hazardfuse/internal/redact"
)

// webhookBackoffs are the waits between the three delivery attempts.
var webhookBackoffs = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}

// WebhookConfig describes one webhook endpoint.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// HeaderEnv maps a header name to the environment variable holding its value.
	HeaderEnv map[string]string
	Timeout   time.Duration
}

// WebhookSink POSTs hazard events to an HTTP endpoint.
type WebhookSink struct {
	url     string
	name    string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink resolves header secrets from the environment and builds
// the sink. A referenced variable that is unset is an error.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hdr := make(map[string]string, len(cfg.Headers)+len(cfg.HeaderEnv))
	for k, v := range cfg.Headers {
		hdr[k] = v
	}
	for k, env := range cfg.HeaderEnv {
		v, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("webhook header %s: env %s is not set", k, env)
		}
		hdr[k] = v
	}
	return &WebhookSink{
		url:     cfg.URL,
		name:    "webhook:" + redact.String(cfg.URL),
		headers: hdr,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebhookSink) Name() string { return s.name }

// Deliver posts ev, retrying transport errors, 429 and 5xx responses.
// Other 4xx responses fail immediately.
func (s *WebhookSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(webhookBackoffs); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		retry, err := s.post(ctx, payload, ev.RequestID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == len(webhookBackoffs) {
			break
		}

		timer := time.NewTimer(webhookBackoffs[attempt])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, payload []byte, requestID string) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	err = fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body))
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
}

func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
