package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/printwatch/printwatch/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// fakeHub is a scripted hub endpoint.
type fakeHub struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(conn *websocket.Conn)
}

func newFakeHub(t *testing.T, handle func(conn *websocket.Conn)) *fakeHub {
	t.Helper()
	h := &fakeHub{t: t, handle: handle}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		h.handle(conn)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

// authOK performs the server side of a successful handshake.
func authOK(t *testing.T, conn *websocket.Conn, wantToken string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth_required"}))

	var auth protocol.AuthFrame
	require.NoError(t, conn.ReadJSON(&auth))
	require.Equal(t, protocol.TypeAuth, auth.Type)
	require.Equal(t, wantToken, auth.AccessToken)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth_ok"}))
}

// readCommand reads one correlated request from the client.
func readCommand(t *testing.T, conn *websocket.Conn) protocol.CommandFrame {
	t.Helper()
	var cmd protocol.CommandFrame
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func newTestClient(url string, opts ...func(*Options)) *Client {
	o := Options{
		URL:            url,
		AccessToken:    "secret",
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		MaxAttempts:    3,
		RequestTimeout: 200 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewClient(o, zerolog.Nop())
}

func waitSignal(t *testing.T, c *Client, want SignalKind) Signal {
	t.Helper()
	for {
		select {
		case sig := <-c.Signals():
			if sig.Kind == want {
				return sig
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for signal %s", want)
		}
	}
}

func TestConnectAndFetchSnapshot(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		authOK(t, conn, "secret")

		cmd := readCommand(t, conn)
		require.Equal(t, protocol.TypeGetStates, cmd.Type)
		_ = conn.WriteJSON(map[string]any{
			"id": cmd.ID, "type": "result", "success": true,
			"result": []map[string]any{
				{"entity_id": "sensor.x1c_abc_print_progress", "state": "42"},
			},
		})

		// Keep the connection open until the client goes away.
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()

	waitSignal(t, c, SignalConnected)
	require.True(t, c.IsConnected())

	states, err := c.FetchSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "sensor.x1c_abc_print_progress", states[0].EntityID)
	assert.Equal(t, "42", states[0].State)
}

func TestAuthInvalidIsTerminal(t *testing.T) {
	dials := make(chan struct{}, 10)
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		dials <- struct{}{}
		_ = conn.WriteJSON(map[string]string{"type": "auth_required"})
		var auth protocol.AuthFrame
		_ = conn.ReadJSON(&auth)
		_ = conn.WriteJSON(map[string]string{"type": "auth_invalid", "message": "Invalid access token"})
	})

	c := newTestClient(hub.url())
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrAuth)

	waitSignal(t, c, SignalAuthFailed)

	// No reconnect after a credential rejection.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, dials, 1)
}

func TestRequestCorrelation(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		authOK(t, conn, "secret")

		// Read two requests, answer them out of order.
		first := readCommand(t, conn)
		second := readCommand(t, conn)
		_ = conn.WriteJSON(map[string]any{"id": second.ID, "type": "result", "success": true, "result": []any{}})
		_ = conn.WriteJSON(map[string]any{
			"id": first.ID, "type": "result", "success": false,
			"error": map[string]string{"message": "no such command"},
		})
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()
	waitSignal(t, c, SignalConnected)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.FetchSnapshot(ctx)
		errCh <- err
	}()
	// Small delay so request ids are issued in a known order.
	time.Sleep(20 * time.Millisecond)

	err := c.SubscribeChanges(ctx)
	require.NoError(t, err, "second request succeeds via out-of-order result")

	err = <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such command")
}

func TestRequestTimeoutRemovesPendingEntry(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		authOK(t, conn, "secret")
		// Never answer.
		_, _, _ = conn.ReadMessage()
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()
	waitSignal(t, c, SignalConnected)

	_, err := c.FetchSnapshot(ctx)
	require.ErrorIs(t, err, ErrRequestTimeout)

	c.mu.Lock()
	remaining := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, remaining, "timed-out entry must be removed")
}

func TestEventsDelivered(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		authOK(t, conn, "secret")
		cmd := readCommand(t, conn)
		_ = conn.WriteJSON(map[string]any{"id": cmd.ID, "type": "result", "success": true})

		for _, state := range []string{"running", "paused", "running"} {
			_ = conn.WriteJSON(map[string]any{
				"id": cmd.ID, "type": "event",
				"event": map[string]any{
					"event_type": "state_changed",
					"data": map[string]any{
						"entity_id": "sensor.x1c_abc_print_status",
						"new_state": map[string]any{"state": state},
					},
				},
			})
		}
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()
	waitSignal(t, c, SignalConnected)
	require.NoError(t, c.SubscribeChanges(ctx))

	// Events arrive in transport order: no coalescing of the
	// running→paused→running sequence.
	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-c.Events():
			got = append(got, ev.NewValue)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"running", "paused", "running"}, got)
}

func TestBackoffScheduleDoublesThenCaps(t *testing.T) {
	c := newTestClient("ws://unused", func(o *Options) {
		o.BaseDelay = time.Second
		o.MaxDelay = 8 * time.Second
	})

	b := c.reconnectBackoff()
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, delays)

	// Reset starts the schedule over, as after a successful re-auth.
	b.Reset()
	assert.Equal(t, 1*time.Second, b.NextBackOff())
}

func TestReconnectExhausted(t *testing.T) {
	// A server that refuses the upgrade entirely.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrExhausted)

	sig := waitSignal(t, c, SignalExhausted)
	assert.True(t, errors.Is(sig.Err, ErrExhausted))
}

func TestReconnectAfterDrop(t *testing.T) {
	conns := 0
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		conns++
		authOK(t, conn, "secret")
		if conns == 1 {
			// Drop the first connection immediately after auth.
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()

	waitSignal(t, c, SignalConnected)
	waitSignal(t, c, SignalDisconnected)
	waitSignal(t, c, SignalConnected)
	assert.True(t, c.IsConnected())
}

func TestCallWhileDisconnected(t *testing.T) {
	c := newTestClient("ws://unused")
	_, err := c.FetchSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn) {
		authOK(t, conn, "secret")
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))

		cmd := readCommand(t, conn)
		raw, _ := json.Marshal(map[string]any{"id": cmd.ID, "type": "result", "success": true, "result": []any{}})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(hub.url())
	go func() { _ = c.Run(ctx) }()
	waitSignal(t, c, SignalConnected)

	// The malformed frame does not break the connection.
	_, err := c.FetchSnapshot(ctx)
	require.NoError(t, err)
}
