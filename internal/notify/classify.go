package notify

import "github.com/printwatch/printwatch/internal/state"

// Intent is a classified notification trigger.
type Intent string

const (
	IntentPrintStarted  Intent = "print_started"
	IntentPrintComplete Intent = "print_complete"
	IntentPrintFailed   Intent = "print_failed"
	IntentPrintPaused   Intent = "print_paused"
	IntentMilestone     Intent = "milestone"
)

// ClassifyTransition maps a status transition to a notification intent.
// Transitions outside the table produce no notification:
//
//	anything != running → running  ⇒ print_started
//	running → complete             ⇒ print_complete
//	running → failed               ⇒ print_failed
//	running → paused               ⇒ print_paused
func ClassifyTransition(old, new state.Status) (Intent, bool) {
	if new == state.StatusRunning && old != state.StatusRunning {
		return IntentPrintStarted, true
	}
	if old == state.StatusRunning {
		switch new {
		case state.StatusComplete:
			return IntentPrintComplete, true
		case state.StatusFailed:
			return IntentPrintFailed, true
		case state.StatusPaused:
			return IntentPrintPaused, true
		}
	}
	return "", false
}
