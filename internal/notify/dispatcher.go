// Package notify classifies printer status transitions and progress
// milestones into notification intents and fans them out to the push
// gateway.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/printwatch/printwatch/internal/push"
	"github.com/printwatch/printwatch/internal/state"
	"github.com/rs/zerolog"
)

// Recipient identifies one push target and its preferences. Owned by
// the device registry; the dispatcher only reads it.
type Recipient struct {
	ID                   string `json:"id"`
	DevicePrefix         string `json:"device_prefix"`
	PushToken            string `json:"push_token"`
	DisplayName          string `json:"display_name,omitempty"`
	OnStart              bool   `json:"on_start"`
	OnComplete           bool   `json:"on_complete"`
	OnFailed             bool   `json:"on_failed"`
	OnPaused             bool   `json:"on_paused"`
	OnMilestone          bool   `json:"on_milestone"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// wants reports whether the recipient opted into the intent.
func (r Recipient) wants(intent Intent) bool {
	if !r.NotificationsEnabled {
		return false
	}
	switch intent {
	case IntentPrintStarted:
		return r.OnStart
	case IntentPrintComplete:
		return r.OnComplete
	case IntentPrintFailed:
		return r.OnFailed
	case IntentPrintPaused:
		return r.OnPaused
	case IntentMilestone:
		return r.OnMilestone
	}
	return false
}

// Registry looks up the recipients subscribed to a device.
type Registry interface {
	RecipientsFor(devicePrefix string) ([]Recipient, error)
}

// template renders the notification payload for one intent. The map
// below covers every intent constant, so payload construction cannot
// fail at runtime.
type template struct {
	title func(ctx templateContext) string
	body  func(ctx templateContext) string
}

type templateContext struct {
	Device    string
	Filename  string
	Threshold int
}

var templates = map[Intent]template{
	IntentPrintStarted: {
		title: func(templateContext) string { return "Print started" },
		body: func(c templateContext) string {
			return fmt.Sprintf("%s started printing %s", c.Device, c.Filename)
		},
	},
	IntentPrintComplete: {
		title: func(templateContext) string { return "Print complete" },
		body: func(c templateContext) string {
			return fmt.Sprintf("%s finished %s", c.Device, c.Filename)
		},
	},
	IntentPrintFailed: {
		title: func(templateContext) string { return "Print failed" },
		body: func(c templateContext) string {
			return fmt.Sprintf("%s failed while printing %s", c.Device, c.Filename)
		},
	},
	IntentPrintPaused: {
		title: func(templateContext) string { return "Print paused" },
		body: func(c templateContext) string {
			return fmt.Sprintf("%s paused %s", c.Device, c.Filename)
		},
	},
	IntentMilestone: {
		title: func(c templateContext) string { return fmt.Sprintf("Print %d%% complete", c.Threshold) },
		body: func(c templateContext) string {
			return fmt.Sprintf("%s is %d%% through %s", c.Device, c.Threshold, c.Filename)
		},
	},
}

// Sender is the subset of the push gateway the dispatcher needs.
type Sender interface {
	SendNotification(ctx context.Context, token, title, body string, metadata map[string]string) error
}

// Dispatcher turns classified intents into push notifications.
type Dispatcher struct {
	log        zerolog.Logger
	registry   Registry
	sender     Sender
	milestones *Milestones
}

// NewDispatcher creates a dispatcher. thresholds may be nil to use the
// defaults.
func NewDispatcher(registry Registry, sender Sender, thresholds []int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:        log.With().Str("component", "notify").Logger(),
		registry:   registry,
		sender:     sender,
		milestones: NewMilestones(thresholds),
	}
}

// Event carries the device context for one classified trigger.
type Event struct {
	DevicePrefix string
	DeviceName   string
	Filename     string
}

// HandleTransition classifies a status transition and dispatches the
// resulting intent, if any. A print_started intent resets the device's
// milestone tracking so the new job fires its own milestones. Returns
// the intent that fired.
func (d *Dispatcher) HandleTransition(ctx context.Context, ev Event, old, new state.Status) (Intent, bool) {
	intent, ok := ClassifyTransition(old, new)
	if !ok {
		return "", false
	}

	if intent == IntentPrintStarted {
		d.milestones.Reset(ev.DevicePrefix)
	}

	d.dispatch(ctx, ev, intent, 0)
	return intent, true
}

// HandleProgress records a progress update and dispatches a milestone
// notification when a threshold is crossed.
func (d *Dispatcher) HandleProgress(ctx context.Context, ev Event, progress int) (int, bool) {
	threshold, fired := d.milestones.Cross(ev.DevicePrefix, progress)
	if !fired {
		return 0, false
	}

	d.dispatch(ctx, ev, IntentMilestone, threshold)
	return threshold, true
}

// ResetProgress clears milestone tracking for a device.
func (d *Dispatcher) ResetProgress(prefix string) {
	d.milestones.Reset(prefix)
}

// dispatch fans the intent out to all opted-in recipients. Sends run
// concurrently; one token's failure never blocks the others.
func (d *Dispatcher) dispatch(ctx context.Context, ev Event, intent Intent, threshold int) {
	recipients, err := d.registry.RecipientsFor(ev.DevicePrefix)
	if err != nil {
		d.log.Error().Err(err).Str("prefix", ev.DevicePrefix).Msg("recipient lookup failed")
		return
	}

	tmpl := templates[intent]
	tc := templateContext{Device: ev.DeviceName, Filename: ev.Filename, Threshold: threshold}
	title := tmpl.title(tc)
	body := tmpl.body(tc)
	metadata := map[string]string{
		"intent":        string(intent),
		"device_prefix": ev.DevicePrefix,
	}

	var wg sync.WaitGroup
	sent := 0
	for _, r := range recipients {
		if !r.wants(intent) {
			continue
		}
		sent++

		wg.Add(1)
		go func(r Recipient) {
			defer wg.Done()
			if err := d.sender.SendNotification(ctx, r.PushToken, title, body, metadata); err != nil {
				d.log.Warn().
					Err(err).
					Str("recipient", r.ID).
					Str("intent", string(intent)).
					Msg("delivery failed")
			}
		}(r)
	}
	wg.Wait()

	if sent > 0 {
		d.log.Info().
			Str("intent", string(intent)).
			Str("prefix", ev.DevicePrefix).
			Int("recipients", sent).
			Msg("notification dispatched")
	}
}

var _ Sender = (push.Gateway)(nil)
