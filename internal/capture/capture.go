// Package capture asks the vehicle detector service to photograph the
// restricted zone when a tag is read. The result is evidence only and never
// feeds back into violation decisions.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parkwatch/internal/config"
)

type Capturer interface {
	Capture(ctx context.Context, identity string, at time.Time) error
}

func New(cfg config.CaptureConfig) (Capturer, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewHTTP(cfg.URL, cfg.Timeout)
}

type Noop struct{}

func (Noop) Capture(context.Context, string, time.Time) error { return nil }

type HTTPCapturer struct {
	client  *http.Client
	baseURL string
}

func NewHTTP(baseURL string, timeout time.Duration) (*HTTPCapturer, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid capture url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCapturer{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

type captureRequest struct {
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusError is returned for non-2xx detector responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("capture: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("capture: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *HTTPCapturer) Capture(ctx context.Context, identity string, at time.Time) error {
	body, err := json.Marshal(captureRequest{VehicleID: identity, Timestamp: at.UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/capture", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("capture: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("capture: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
