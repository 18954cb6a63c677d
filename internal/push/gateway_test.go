package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendNotification(t *testing.T) {
	var got notificationRequest
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := NewGateway(Config{BaseURL: srv.URL, APIKey: "key123"})
	err := gw.SendNotification(context.Background(), "tok", "Print complete", "benchy.gcode finished", map[string]string{"device": "x1c_abc_"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key123", auth)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "Print complete", got.Title)
	assert.Equal(t, "x1c_abc_", got.Metadata["device"])
}

func TestSendLiveUpdateEnd(t *testing.T) {
	var got liveUpdateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/live-updates", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewGateway(Config{BaseURL: srv.URL})
	err := gw.SendLiveUpdate(context.Background(), "tok", LiveEventEnd, map[string]int{"progress": 100}, 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, LiveEventEnd, got.Event)
	assert.Equal(t, int64(30000), got.DismissAfterMS)
}

func TestInvalidTokenMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		invalid bool
	}{
		{"gone status", http.StatusGone, `{}`, true},
		{"invalid_token code", http.StatusBadRequest, `{"error":{"code":"invalid_token","message":"token expired"}}`, true},
		{"other error", http.StatusInternalServerError, `{"error":{"code":"internal","message":"boom"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gw := NewGateway(Config{BaseURL: srv.URL})
			err := gw.SendNotification(context.Background(), "tok", "t", "b", nil)
			require.Error(t, err)
			assert.Equal(t, tt.invalid, errors.Is(err, ErrInvalidToken), "ErrInvalidToken mapping")
		})
	}
}
