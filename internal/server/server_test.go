package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/printwatch/printwatch/internal/config"
	"github.com/printwatch/printwatch/internal/notify"
	"github.com/printwatch/printwatch/internal/push"
	"github.com/printwatch/printwatch/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-api-token"

type stubGateway struct{}

func (g *stubGateway) SendNotification(ctx context.Context, token, title, body string, metadata map[string]string) error {
	return nil
}

func (g *stubGateway) SendLiveUpdate(ctx context.Context, token string, event push.LiveEvent, contentState any, dismissAfter time.Duration) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.APIToken = testToken
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = 20 * time.Millisecond

	s, err := New(cfg, st, &stubGateway{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	for _, header := range []string{"", "Bearer wrong", "Basic abc", testToken} {
		req := httptest.NewRequest(http.MethodGet, "/api/monitor", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestMonitorStatusWhenStopped(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/monitor", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Running    bool   `json:"running"`
		Connection string `json:"connection"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Equal(t, "stopped", status.Connection)
}

func TestStartMonitorValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{"access_token": "tok", "device_prefixes": []string{"x1c_"}}},
		{"missing token", map[string]any{"hub_url": "ws://hub/api/websocket", "device_prefixes": []string{"x1c_"}}},
		{"no devices", map[string]any{"hub_url": "ws://hub/api/websocket", "access_token": "tok"}},
		{"bad prefix", map[string]any{"hub_url": "ws://hub/api/websocket", "access_token": "tok", "device_prefixes": []string{"bad prefix"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/monitor", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStartMonitorLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := map[string]any{
		"hub_url":         "ws://127.0.0.1:1/api/websocket",
		"access_token":    "tok",
		"device_prefixes": []string{"x1c_"},
	}

	rec := doRequest(t, s, http.MethodPost, "/api/monitor", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	// A second start while running conflicts.
	rec = doRequest(t, s, http.MethodPost, "/api/monitor", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/api/monitor", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Stop is idempotent.
	rec = doRequest(t, s, http.MethodDelete, "/api/monitor", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeviceEndpointsRequireRunningMonitor(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/devices/x1c_", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecipientLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/recipients/phone-1", notify.Recipient{
		DevicePrefix:         "x1c_",
		PushToken:            "apns-token",
		DisplayName:          "Kitchen phone",
		OnComplete:           true,
		NotificationsEnabled: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var saved notify.Recipient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, "phone-1", saved.ID)

	got, err := s.store.RecipientsFor("x1c_")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "apns-token", got[0].PushToken)

	rec = doRequest(t, s, http.MethodDelete, "/api/recipients/phone-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = s.store.RecipientsFor("x1c_")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecipientValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/recipients/phone-1", notify.Recipient{
		DevicePrefix: "x1c_",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveTokenLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/live/x1c_", map[string]string{"token": "live-token"})
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err := s.store.LiveTokens()
	require.NoError(t, err)
	assert.Equal(t, "live-token", tokens["x1c_"])

	rec = doRequest(t, s, http.MethodDelete, "/api/live/x1c_", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err = s.store.LiveTokens()
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// Deleting an unknown device is a no-op.
	rec = doRequest(t, s, http.MethodDelete, "/api/live/unknown_", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLiveTokenValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/live/x1c_", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHistory(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Empty(t, jobs)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
