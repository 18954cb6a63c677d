// Package hub owns the authenticated WebSocket connection to the
// home-automation hub: the auth handshake, request/response
// correlation, the change-event stream and reconnection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/printwatch/printwatch/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrAuth means the hub rejected the credential. Not retryable
	// without a new credential.
	ErrAuth = errors.New("hub authentication failed")

	// ErrExhausted means reconnection gave up after the configured
	// number of consecutive failures.
	ErrExhausted = errors.New("hub reconnect attempts exhausted")

	// ErrRequestTimeout means a correlated request received no response
	// in time. The pending entry is removed.
	ErrRequestTimeout = errors.New("hub request timed out")

	// ErrNotConnected means a request was attempted with no live
	// connection.
	ErrNotConnected = errors.New("hub not connected")
)

// SignalKind is a connection lifecycle event.
type SignalKind int

const (
	SignalConnected SignalKind = iota
	SignalDisconnected
	SignalAuthFailed
	SignalExhausted
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	case SignalAuthFailed:
		return "auth_failed"
	case SignalExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Signal is delivered to the owner on connection lifecycle changes.
type Signal struct {
	Kind SignalKind
	Err  error
}

// Connection parameters
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
)

// Options configures the client.
type Options struct {
	URL         string
	AccessToken string

	BaseDelay      time.Duration // first reconnect delay (default 1s)
	MaxDelay       time.Duration // reconnect delay cap (default 60s)
	MaxAttempts    int           // consecutive failures before giving up (default 10)
	RequestTimeout time.Duration // per correlated request (default 10s)
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Client manages the WebSocket connection to the hub.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	nextID    int64
	pending   map[int64]chan protocol.Result

	events  chan protocol.Event
	signals chan Signal
}

// NewClient creates a new hub client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		opts:    opts,
		log:     log.With().Str("component", "hub").Logger(),
		pending: make(map[int64]chan protocol.Result),
		events:  make(chan protocol.Event, 100),
		signals: make(chan Signal, 16),
	}
}

// Run connects to the hub and maintains the connection, reconnecting
// with capped exponential backoff on unexpected closes. It blocks until
// the context is cancelled, the credential is rejected, or the retry
// budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectBackoff()
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connect(ctx)
		if errors.Is(err, ErrAuth) {
			c.signal(Signal{Kind: SignalAuthFailed, Err: err})
			return err
		}
		if err != nil {
			attempt++
			if attempt >= c.opts.MaxAttempts {
				c.log.Error().Err(err).Int("attempts", attempt).Msg("giving up on reconnect")
				c.signal(Signal{Kind: SignalExhausted, Err: ErrExhausted})
				return ErrExhausted
			}
			wait := delay.NextBackOff()
			c.log.Error().Err(err).Dur("backoff", wait).Int("attempt", attempt).Msg("connection failed, retrying")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		// Authenticated - reset the retry budget.
		attempt = 0
		delay.Reset()
		c.signal(Signal{Kind: SignalConnected})

		c.readLoop(ctx)
		c.signal(Signal{Kind: SignalDisconnected})

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		attempt++
		if attempt >= c.opts.MaxAttempts {
			c.signal(Signal{Kind: SignalExhausted, Err: ErrExhausted})
			return ErrExhausted
		}
		if !sleep(ctx, delay.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// reconnectBackoff builds the delay schedule: BaseDelay doubling up to
// MaxDelay, no jitter, never giving up on its own (attempts are counted
// by Run).
func (c *Client) reconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseDelay
	b.MaxInterval = c.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connect dials the hub and performs the auth handshake.
func (c *Client) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.opts.URL).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx, conn)

	c.log.Info().Msg("connected and authenticated")
	return nil
}

// handshake performs the auth exchange: the hub sends auth_required, we
// reply with the credential, the hub answers auth_ok or auth_invalid.
func (c *Client) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	msg, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if _, ok := msg.(protocol.AuthRequired); !ok {
		return fmt.Errorf("expected auth_required, got %T", msg)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.NewAuth(c.opts.AccessToken)); err != nil {
		return fmt.Errorf("send credential: %w", err)
	}

	msg, err = readFrame(conn)
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}

	switch m := msg.(type) {
	case protocol.AuthOK:
		return nil
	case protocol.AuthInvalid:
		c.log.Error().Str("message", m.Message).Msg("credential rejected")
		return fmt.Errorf("%w: %s", ErrAuth, m.Message)
	default:
		return fmt.Errorf("expected auth result, got %T", msg)
	}
}

func readFrame(conn *websocket.Conn) (protocol.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// readLoop reads frames until disconnect, dispatching results to their
// pending callers and events to the event stream.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.failPending(ErrNotConnected)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Str("data", string(data)).Msg("dropping malformed frame")
			continue
		}

		switch m := msg.(type) {
		case protocol.Result:
			c.resolve(m)
		case protocol.Event:
			select {
			case c.events <- m:
			case <-ctx.Done():
				return
			}
		default:
			c.log.Warn().Str("type", fmt.Sprintf("%T", m)).Msg("unexpected frame")
		}
	}
}

// pingLoop sends periodic pings on one connection.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// call sends a correlated request and waits for its result. The entry
// is removed on timeout so the pending table cannot leak.
func (c *Client) call(ctx context.Context, frame protocol.CommandFrame) (protocol.Result, error) {
	ch := make(chan protocol.Result, 1)

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return protocol.Result{}, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	frame.ID = id
	c.pending[id] = ch

	data, err := json.Marshal(frame)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Result{}, err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.unregister(id)
		return protocol.Result{}, fmt.Errorf("send request %d: %w", id, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.Success {
			if res.Error != "" {
				return res, fmt.Errorf("hub rejected request %d: %s", id, res.Error)
			}
			return res, fmt.Errorf("hub rejected request %d", id)
		}
		return res, nil
	case <-timer.C:
		c.unregister(id)
		return protocol.Result{}, fmt.Errorf("request %d: %w", id, ErrRequestTimeout)
	case <-ctx.Done():
		c.unregister(id)
		return protocol.Result{}, ctx.Err()
	}
}

func (c *Client) resolve(res protocol.Result) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn().Int64("id", res.ID).Msg("result with no pending request")
		return
	}
	ch <- res
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending rejects every outstanding request, used on disconnect.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan protocol.Result)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- protocol.Result{ID: id, Success: false, Error: err.Error()}
	}
}

// FetchSnapshot requests the full entity state snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) ([]protocol.EntityState, error) {
	res, err := c.call(ctx, protocol.NewGetStates())
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	var states []protocol.EntityState
	if err := json.Unmarshal(res.Result, &states); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return states, nil
}

// SubscribeChanges subscribes to state_changed events. Events arrive on
// Events() until the connection closes.
func (c *Client) SubscribeChanges(ctx context.Context) error {
	if _, err := c.call(ctx, protocol.NewSubscribeEvents()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Events returns the inbound change-event stream.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Signals returns the lifecycle signal stream.
func (c *Client) Signals() <-chan Signal {
	return c.signals
}

// IsConnected returns whether the client is connected and authenticated.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the current connection gracefully. Run's context should
// be cancelled alongside, otherwise it will reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(writeWait)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		return c.conn.Close()
	}
	return c.conn.Close()
}

func (c *Client) signal(s Signal) {
	select {
	case c.signals <- s:
	default:
		c.log.Warn().Str("signal", s.Kind.String()).Msg("signal queue full, dropping")
	}
}
