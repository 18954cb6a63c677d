// Package jobs tracks the lifecycle of print jobs, one open job per
// device at most, and hands finished records to the history store.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one tracked print attempt.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	DevicePrefix    string     `json:"device_prefix"`
	Filename        string     `json:"filename"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Status          Status     `json:"status"`
	TotalLayers     *int       `json:"total_layers,omitempty"`
	FinalLayer      *int       `json:"final_layer,omitempty"`
	FilamentUsed    *float64   `json:"filament_used,omitempty"`
}

// Store persists job records.
type Store interface {
	PersistJob(job Job) error
	OpenJobsFor(ownerID string) ([]Job, error)
}

// Tracker holds the currently open job per device prefix for one owner.
type Tracker struct {
	log     zerolog.Logger
	store   Store
	ownerID string

	mu     sync.Mutex
	active map[string]*Job

	now func() time.Time
}

// NewTracker creates a tracker and rehydrates open jobs from the store,
// so a restart mid-print does not orphan running records.
func NewTracker(store Store, ownerID string, log zerolog.Logger) (*Tracker, error) {
	t := &Tracker{
		log:     log.With().Str("component", "jobs").Logger(),
		store:   store,
		ownerID: ownerID,
		active:  make(map[string]*Job),
		now:     time.Now,
	}

	open, err := store.OpenJobsFor(ownerID)
	if err != nil {
		return nil, fmt.Errorf("load open jobs: %w", err)
	}
	for i := range open {
		job := open[i]
		t.active[job.DevicePrefix] = &job
		t.log.Info().
			Str("job_id", job.ID).
			Str("prefix", job.DevicePrefix).
			Msg("rehydrated open job")
	}

	return t, nil
}

// StartJob opens a job for the device. If one is already running for
// this owner and prefix it is closed as cancelled first, so a key never
// holds two open jobs.
func (t *Tracker) StartJob(prefix, filename string, totalLayers int) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.active[prefix]; ok {
		t.closeLocked(prior, StatusCancelled, nil, nil)
		if err := t.store.PersistJob(*prior); err != nil {
			return Job{}, fmt.Errorf("persist cancelled job: %w", err)
		}
		t.log.Warn().
			Str("job_id", prior.ID).
			Str("prefix", prefix).
			Msg("cancelled prior job still open at start")
	}

	job := &Job{
		ID:           uuid.NewString(),
		OwnerID:      t.ownerID,
		DevicePrefix: prefix,
		Filename:     filename,
		StartedAt:    t.now(),
		Status:       StatusRunning,
	}
	if totalLayers > 0 {
		layers := totalLayers
		job.TotalLayers = &layers
	}
	t.active[prefix] = job

	if err := t.store.PersistJob(*job); err != nil {
		return *job, fmt.Errorf("persist job: %w", err)
	}

	t.log.Info().
		Str("job_id", job.ID).
		Str("prefix", prefix).
		Str("filename", filename).
		Msg("job started")
	return *job, nil
}

// CompleteJob closes the open job for the device. When no job is open
// this is a no-op and returns nil. FinalLayer defaults to the job's
// total layer count when the terminal event carries none.
func (t *Tracker) CompleteJob(prefix string, status Status, finalLayer *int, filamentUsed *float64) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.active[prefix]
	if !ok {
		t.log.Debug().Str("prefix", prefix).Msg("complete with no active job")
		return nil, nil
	}

	t.closeLocked(job, status, finalLayer, filamentUsed)

	if err := t.store.PersistJob(*job); err != nil {
		return job, fmt.Errorf("persist job: %w", err)
	}

	t.log.Info().
		Str("job_id", job.ID).
		Str("prefix", prefix).
		Str("status", string(status)).
		Int64("duration_s", *job.DurationSeconds).
		Msg("job closed")
	return job, nil
}

// Active returns a snapshot of the open job for the device, if any.
func (t *Tracker) Active(prefix string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.active[prefix]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// closeLocked finalizes a job in place and removes it from the active
// map. Duration is computed once here and never recomputed. Caller
// holds the lock and is responsible for persisting.
func (t *Tracker) closeLocked(job *Job, status Status, finalLayer *int, filamentUsed *float64) {
	completed := t.now()
	duration := int64(completed.Sub(job.StartedAt) / time.Second)

	job.Status = status
	job.CompletedAt = &completed
	job.DurationSeconds = &duration
	if finalLayer != nil {
		job.FinalLayer = finalLayer
	} else if job.TotalLayers != nil {
		layer := *job.TotalLayers
		job.FinalLayer = &layer
	}
	if filamentUsed != nil {
		job.FilamentUsed = filamentUsed
	}

	delete(t.active, job.DevicePrefix)
}
