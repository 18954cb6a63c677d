// Package protocol defines the JSON message types exchanged with the
// home-automation hub over its WebSocket API.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types (hub → client)
const (
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypeEvent        = "event"
)

// Message types (client → hub)
const (
	TypeAuth            = "auth"
	TypeSubscribeEvents = "subscribe_events"
	TypeGetStates       = "get_states"
)

// EventStateChanged is the only event type this client subscribes to.
const EventStateChanged = "state_changed"

// Message is an inbound hub frame decoded into its concrete type.
// The set is closed: Decode returns one of AuthRequired, AuthOK,
// AuthInvalid, Result or Event, so handlers can switch exhaustively
// instead of string-matching raw JSON.
type Message interface {
	message()
}

// AuthRequired is sent by the hub immediately after the socket opens.
type AuthRequired struct{}

// AuthOK confirms the credential; the connection is usable.
type AuthOK struct{}

// AuthInvalid rejects the credential. The hub closes the socket after
// sending it.
type AuthInvalid struct {
	Message string
}

// Result answers a correlated request.
type Result struct {
	ID      int64
	Success bool
	Result  json.RawMessage
	Error   string
}

// Event is an incremental state change pushed by the hub.
type Event struct {
	SubscriptionID int64
	EntityID       string
	OldValue       string
	NewValue       string
	Attributes     map[string]any
}

func (AuthRequired) message() {}
func (AuthOK) message()       {}
func (AuthInvalid) message()  {}
func (Result) message()       {}
func (Event) message()        {}

// EntityState is one entry of a get_states snapshot.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AuthFrame is the credential reply to auth_required.
type AuthFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// NewAuth builds the credential reply.
func NewAuth(token string) AuthFrame {
	return AuthFrame{Type: TypeAuth, AccessToken: token}
}

// CommandFrame is a correlated request. ID is assigned by the connection.
type CommandFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// NewSubscribeEvents builds a state_changed subscription request.
func NewSubscribeEvents() CommandFrame {
	return CommandFrame{Type: TypeSubscribeEvents, EventType: EventStateChanged}
}

// NewGetStates builds a full snapshot request.
func NewGetStates() CommandFrame {
	return CommandFrame{Type: TypeGetStates}
}

// envelope covers every field any inbound frame can carry.
type envelope struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Event *struct {
		EventType string `json:"event_type"`
		Data      struct {
			EntityID string       `json:"entity_id"`
			OldState *entityState `json:"old_state"`
			NewState *entityState `json:"new_state"`
		} `json:"data"`
	} `json:"event"`
}

type entityState struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Decode parses one inbound frame into its tagged message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case TypeAuthRequired:
		return AuthRequired{}, nil

	case TypeAuthOK:
		return AuthOK{}, nil

	case TypeAuthInvalid:
		return AuthInvalid{Message: env.Message}, nil

	case TypeResult:
		res := Result{
			ID:      env.ID,
			Success: env.Success,
			Result:  env.Result,
		}
		if env.Error != nil {
			res.Error = env.Error.Message
		}
		return res, nil

	case TypeEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("event frame without event body")
		}
		ev := Event{
			SubscriptionID: env.ID,
			EntityID:       env.Event.Data.EntityID,
		}
		if old := env.Event.Data.OldState; old != nil {
			ev.OldValue = old.State
		}
		if next := env.Event.Data.NewState; next != nil {
			ev.NewValue = next.State
			ev.Attributes = next.Attributes
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}
