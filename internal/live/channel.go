// Package live pushes glanceable state updates to at most one
// registered live-activity token per device.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/printwatch/printwatch/internal/push"
	"github.com/printwatch/printwatch/internal/state"
	"github.com/rs/zerolog"
)

// DefaultDismissAfter is the grace period a terminal update grants the
// client before the activity may be removed.
const DefaultDismissAfter = 30 * time.Second

// TokenStore persists registrations across restarts.
type TokenStore interface {
	SaveLiveToken(devicePrefix, token string) error
	DeleteLiveToken(devicePrefix string) error
	LiveTokens() (map[string]string, error)
}

// Sender is the subset of the push gateway the channel needs.
type Sender interface {
	SendLiveUpdate(ctx context.Context, token string, event push.LiveEvent, contentState any, dismissAfter time.Duration) error
}

// contentState is the payload rendered on the client's live surface.
type contentState struct {
	Status           state.Status `json:"status"`
	Progress         int          `json:"progress"`
	CurrentLayer     int          `json:"current_layer"`
	TotalLayers      int          `json:"total_layers"`
	RemainingSeconds int          `json:"remaining_seconds"`
	SubtaskName      string       `json:"subtask_name,omitempty"`
}

// Channel maintains the device → token registry and pushes updates.
type Channel struct {
	log          zerolog.Logger
	sender       Sender
	store        TokenStore
	dismissAfter time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewChannel creates a channel, reloading persisted registrations.
func NewChannel(sender Sender, store TokenStore, dismissAfter time.Duration, log zerolog.Logger) (*Channel, error) {
	if dismissAfter <= 0 {
		dismissAfter = DefaultDismissAfter
	}

	tokens, err := store.LiveTokens()
	if err != nil {
		return nil, fmt.Errorf("load live tokens: %w", err)
	}
	if tokens == nil {
		tokens = make(map[string]string)
	}

	return &Channel{
		log:          log.With().Str("component", "live").Logger(),
		sender:       sender,
		store:        store,
		dismissAfter: dismissAfter,
		tokens:       tokens,
	}, nil
}

// Register stores a token for the device, replacing any previous one.
func (c *Channel) Register(devicePrefix, token string) error {
	c.mu.Lock()
	prev, had := c.tokens[devicePrefix]
	c.tokens[devicePrefix] = token
	c.mu.Unlock()

	if had && prev != token {
		c.log.Debug().Str("prefix", devicePrefix).Msg("replaced live token")
	}
	return c.store.SaveLiveToken(devicePrefix, token)
}

// Unregister removes the device's token. Idempotent.
func (c *Channel) Unregister(devicePrefix string) error {
	c.mu.Lock()
	delete(c.tokens, devicePrefix)
	c.mu.Unlock()

	return c.store.DeleteLiveToken(devicePrefix)
}

// PushUpdate sends an incremental update to the registered token.
// Returns false when no token is registered or the device is not
// actively printing; idle and terminal states never produce updates.
func (c *Channel) PushUpdate(ctx context.Context, entry state.Entry) bool {
	if !entry.Status.Active() {
		return false
	}

	token, ok := c.token(entry.DevicePrefix)
	if !ok {
		return false
	}

	err := c.sender.SendLiveUpdate(ctx, token, push.LiveEventUpdate, toContentState(entry), 0)
	if err != nil {
		c.handleSendError(entry.DevicePrefix, err)
		return false
	}
	return true
}

// PushEnd sends the terminal update with a dismissal horizon and then
// unregisters the token. Returns false when no token is registered.
func (c *Channel) PushEnd(ctx context.Context, entry state.Entry) bool {
	token, ok := c.token(entry.DevicePrefix)
	if !ok {
		return false
	}

	err := c.sender.SendLiveUpdate(ctx, token, push.LiveEventEnd, toContentState(entry), c.dismissAfter)
	if err != nil {
		c.handleSendError(entry.DevicePrefix, err)
		return false
	}

	if err := c.Unregister(entry.DevicePrefix); err != nil {
		c.log.Warn().Err(err).Str("prefix", entry.DevicePrefix).Msg("failed to drop token after end")
	}
	return true
}

// handleSendError evicts tokens the gateway reports as invalid, so
// subsequent updates are cheap no-ops instead of repeated failed sends.
func (c *Channel) handleSendError(devicePrefix string, err error) {
	if errors.Is(err, push.ErrInvalidToken) {
		c.log.Info().Str("prefix", devicePrefix).Msg("evicting invalid live token")
		if uerr := c.Unregister(devicePrefix); uerr != nil {
			c.log.Warn().Err(uerr).Str("prefix", devicePrefix).Msg("failed to evict token")
		}
		return
	}
	c.log.Warn().Err(err).Str("prefix", devicePrefix).Msg("live update failed")
}

func (c *Channel) token(devicePrefix string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[devicePrefix]
	return token, ok
}

func toContentState(entry state.Entry) contentState {
	return contentState{
		Status:           entry.Status,
		Progress:         entry.Progress,
		CurrentLayer:     entry.CurrentLayer,
		TotalLayers:      entry.TotalLayers,
		RemainingSeconds: entry.RemainingSeconds,
		SubtaskName:      entry.SubtaskName,
	}
}
