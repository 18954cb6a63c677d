// Package store persists job history, notification recipients and
// live-update token registrations in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/printwatch/printwatch/internal/jobs"
	"github.com/printwatch/printwatch/internal/notify"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates the database and tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		device_prefix TEXT NOT NULL,
		filename TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_seconds INTEGER,
		status TEXT NOT NULL,
		total_layers INTEGER,
		final_layer INTEGER,
		filament_used REAL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);

	CREATE TABLE IF NOT EXISTS recipients (
		id TEXT PRIMARY KEY,
		device_prefix TEXT NOT NULL,
		push_token TEXT NOT NULL,
		display_name TEXT,
		on_start INTEGER NOT NULL DEFAULT 1,
		on_complete INTEGER NOT NULL DEFAULT 1,
		on_failed INTEGER NOT NULL DEFAULT 1,
		on_paused INTEGER NOT NULL DEFAULT 0,
		on_milestone INTEGER NOT NULL DEFAULT 0,
		notifications_enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_recipients_prefix ON recipients(device_prefix);

	CREATE TABLE IF NOT EXISTS live_tokens (
		device_prefix TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

// PersistJob inserts or updates one job record.
func (s *Store) PersistJob(job jobs.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, owner_id, device_prefix, filename, started_at, completed_at,
		                  duration_seconds, status, total_layers, final_layer, filament_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			status = excluded.status,
			final_layer = excluded.final_layer,
			filament_used = excluded.filament_used
	`, job.ID, job.OwnerID, job.DevicePrefix, job.Filename, job.StartedAt.UTC(),
		nullTime(job.CompletedAt), nullInt64(job.DurationSeconds), string(job.Status),
		nullInt(job.TotalLayers), nullInt(job.FinalLayer), nullFloat(job.FilamentUsed))
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// OpenJobsFor returns the owner's jobs still marked running.
func (s *Store) OpenJobsFor(ownerID string) ([]jobs.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, device_prefix, filename, started_at, completed_at,
		       duration_seconds, status, total_layers, final_layer, filament_used
		FROM jobs WHERE owner_id = ? AND status = ?
	`, ownerID, string(jobs.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("open jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// RecentJobs returns up to limit jobs, newest first.
func (s *Store) RecentJobs(limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, owner_id, device_prefix, filename, started_at, completed_at,
		       duration_seconds, status, total_layers, final_layer, filament_used
		FROM jobs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]jobs.Job, error) {
	var out []jobs.Job
	for rows.Next() {
		var (
			job       jobs.Job
			status    string
			completed sql.NullTime
			duration  sql.NullInt64
			total     sql.NullInt64
			final     sql.NullInt64
			filament  sql.NullFloat64
		)
		if err := rows.Scan(&job.ID, &job.OwnerID, &job.DevicePrefix, &job.Filename,
			&job.StartedAt, &completed, &duration, &status, &total, &final, &filament); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		job.Status = jobs.Status(status)
		if completed.Valid {
			t := completed.Time
			job.CompletedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			job.DurationSeconds = &d
		}
		if total.Valid {
			v := int(total.Int64)
			job.TotalLayers = &v
		}
		if final.Valid {
			v := int(final.Int64)
			job.FinalLayer = &v
		}
		if filament.Valid {
			f := filament.Float64
			job.FilamentUsed = &f
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RecipientsFor returns the recipients subscribed to a device prefix.
func (s *Store) RecipientsFor(devicePrefix string) ([]notify.Recipient, error) {
	rows, err := s.db.Query(`
		SELECT id, device_prefix, push_token, display_name, on_start, on_complete,
		       on_failed, on_paused, on_milestone, notifications_enabled
		FROM recipients WHERE device_prefix = ?
	`, devicePrefix)
	if err != nil {
		return nil, fmt.Errorf("recipients for %s: %w", devicePrefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []notify.Recipient
	for rows.Next() {
		var r notify.Recipient
		var displayName sql.NullString
		if err := rows.Scan(&r.ID, &r.DevicePrefix, &r.PushToken, &displayName,
			&r.OnStart, &r.OnComplete, &r.OnFailed, &r.OnPaused, &r.OnMilestone,
			&r.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.DisplayName = displayName.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRecipient inserts or replaces a recipient registration.
func (s *Store) UpsertRecipient(r notify.Recipient) error {
	_, err := s.db.Exec(`
		INSERT INTO recipients (id, device_prefix, push_token, display_name, on_start,
		                        on_complete, on_failed, on_paused, on_milestone, notifications_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_prefix = excluded.device_prefix,
			push_token = excluded.push_token,
			display_name = excluded.display_name,
			on_start = excluded.on_start,
			on_complete = excluded.on_complete,
			on_failed = excluded.on_failed,
			on_paused = excluded.on_paused,
			on_milestone = excluded.on_milestone,
			notifications_enabled = excluded.notifications_enabled
	`, r.ID, r.DevicePrefix, r.PushToken, r.DisplayName, r.OnStart, r.OnComplete,
		r.OnFailed, r.OnPaused, r.OnMilestone, r.NotificationsEnabled)
	if err != nil {
		return fmt.Errorf("upsert recipient %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRecipient removes a recipient. Idempotent.
func (s *Store) DeleteRecipient(id string) error {
	_, err := s.db.Exec(`DELETE FROM recipients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recipient %s: %w", id, err)
	}
	return nil
}

// SaveLiveToken stores the live-update token for a device prefix.
func (s *Store) SaveLiveToken(devicePrefix, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO live_tokens (device_prefix, token, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(device_prefix) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`, devicePrefix, token)
	if err != nil {
		return fmt.Errorf("save live token: %w", err)
	}
	return nil
}

// DeleteLiveToken removes the live-update token for a device prefix.
func (s *Store) DeleteLiveToken(devicePrefix string) error {
	_, err := s.db.Exec(`DELETE FROM live_tokens WHERE device_prefix = ?`, devicePrefix)
	if err != nil {
		return fmt.Errorf("delete live token: %w", err)
	}
	return nil
}

// LiveTokens returns all persisted token registrations.
func (s *Store) LiveTokens() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT device_prefix, token FROM live_tokens`)
	if err != nil {
		return nil, fmt.Errorf("live tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var prefix, token string
		if err := rows.Scan(&prefix, &token); err != nil {
			return nil, fmt.Errorf("scan live token: %w", err)
		}
		out[prefix] = token
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
