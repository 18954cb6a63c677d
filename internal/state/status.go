package state

// Status is the reported printer status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPreparing Status = "preparing"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps a raw sensor value to a Status. Unrecognized values
// map to StatusUnknown.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusIdle, StatusRunning, StatusPaused, StatusComplete,
		StatusFailed, StatusCancelled, StatusPreparing:
		return Status(raw)
	}
	return StatusUnknown
}

// Active reports whether the status describes an in-flight print.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Terminal reports whether the status closes a print job.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}
