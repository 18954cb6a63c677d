// Package push is the client for the push gateway, which delivers
// mobile notifications and live activity updates.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken is returned when the gateway reports that a push or
// live-update token is no longer valid. Callers must stop using the
// token.
var ErrInvalidToken = errors.New("push token invalid")

// LiveEvent is the kind of live activity update.
type LiveEvent string

const (
	LiveEventUpdate LiveEvent = "update"
	LiveEventEnd    LiveEvent = "end"
)

// Gateway defines the push gateway operations.
// This interface allows for easy mocking in tests.
type Gateway interface {
	// SendNotification delivers one push notification to a token.
	SendNotification(ctx context.Context, token, title, body string, metadata map[string]string) error

	// SendLiveUpdate delivers an incremental or terminal live activity
	// update. dismissAfter only applies to LiveEventEnd and tells the
	// client when the activity may be removed.
	SendLiveUpdate(ctx context.Context, token string, event LiveEvent, contentState any, dismissAfter time.Duration) error
}

// HTTPGateway is the real gateway client using HTTP.
type HTTPGateway struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewGateway creates a new push gateway client.
func NewGateway(cfg Config) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &HTTPGateway{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type notificationRequest struct {
	Token    string            `json:"token"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type liveUpdateRequest struct {
	Token          string    `json:"token"`
	Event          LiveEvent `json:"event"`
	ContentState   any       `json:"content_state"`
	DismissAfterMS int64     `json:"dismiss_after_ms,omitempty"`
}

// SendNotification delivers one push notification to a token.
func (g *HTTPGateway) SendNotification(ctx context.Context, token, title, body string, metadata map[string]string) error {
	req := notificationRequest{
		Token:    token,
		Title:    title,
		Body:     body,
		Metadata: metadata,
	}
	if err := g.post(ctx, g.baseURL+"/v1/notifications", req); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// SendLiveUpdate delivers a live activity update to a token.
func (g *HTTPGateway) SendLiveUpdate(ctx context.Context, token string, event LiveEvent, contentState any, dismissAfter time.Duration) error {
	req := liveUpdateRequest{
		Token:        token,
		Event:        event,
		ContentState: contentState,
	}
	if event == LiveEventEnd && dismissAfter > 0 {
		req.DismissAfterMS = dismissAfter.Milliseconds()
	}
	if err := g.post(ctx, g.baseURL+"/v1/live-updates", req); err != nil {
		return fmt.Errorf("send live update: %w", err)
	}
	return nil
}

// post sends a JSON request and interprets the gateway's error shape.
func (g *HTTPGateway) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)

	if resp.StatusCode == http.StatusGone || apiErr.Error.Code == "invalid_token" {
		return ErrInvalidToken
	}

	if apiErr.Error.Message != "" {
		return fmt.Errorf("gateway %s (status %d): %s", req.URL.Path, resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("gateway %s (status %d): %s", req.URL.Path, resp.StatusCode, string(body))
}

// Ensure HTTPGateway implements Gateway interface.
var _ Gateway = (*HTTPGateway)(nil)
