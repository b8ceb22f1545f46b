package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskmux/taskmux/internal/broker/msgcodec"
)

// Task status values. A task is terminal once it reaches SUCCEEDED or
// FAILED; terminal rows are never overwritten.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when an update would overwrite a task
	// that already reached a terminal status.
	ErrTerminal = errors.New("task already terminal")
)

// Task is a persisted dispatch record. Result holds the raw result
// JSON (decompressed on read), or nil when no result was recorded.
type Task struct {
	ID          string
	WorkspaceID string
	Status      Status
	Result      []byte
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt sql.NullTime
}

// Settings is the single runtime-settings row. Zero or negative values
// fall back to defaults when loaded into the tunables.
type Settings struct {
	AuthTimeoutSeconds       int64
	HeartbeatIntervalSeconds int64
	ClientTimeoutSeconds     int64
	InitialLeaseSeconds      int64
	AckExtendSeconds         int64
	ProgressResetSeconds     int64
	LeaseCapSeconds          int64
	MaxPendingPerWorkspace   int64
	CompletedMax             int64
	MaxAttempts              int64
}

// Store wraps the SQLite handle with the broker's query surface.
type Store struct {
	db *sql.DB
}

// New wraps an opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for shutdown (WAL checkpoint, close).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateTask inserts a new PENDING task row.
func (s *Store) CreateTask(ctx context.Context, id, workspaceID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workspace_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, workspaceID, StatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID, decompressing its result blob.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var (
		t           Task
		blob        []byte
		compression int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, status, result, result_compression,
		       error, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkspaceID, &t.Status, &blob, &compression,
		&t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}

	if len(blob) > 0 {
		t.Result, err = msgcodec.Decompress(blob, msgcodec.Compression(compression))
		if err != nil {
			return Task{}, fmt.Errorf("decompress result for task %s: %w", id, err)
		}
	}
	return t, nil
}

// UpdateTaskStatus moves a task to the given status, storing the
// result JSON (compressed) and error message. Terminal rows are left
// untouched and the call returns ErrTerminal.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status Status, resultJSON []byte, errMsg string) error {
	var (
		blob        []byte
		compression msgcodec.Compression
	)
	if len(resultJSON) > 0 {
		blob, compression = msgcodec.Compress(resultJSON)
	}

	now := time.Now().UTC()
	var completedAt sql.NullTime
	if status.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, result_compression = ?, error = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		status, blob, int64(compression), errMsg, now, completedAt,
		id, StatusSucceeded, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: either the row is missing or it is terminal.
	var current Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return ErrTerminal
}

// CountTasksByStatus returns row counts grouped by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			st Status
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

// GetSettings loads the runtime settings row.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var set Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT auth_timeout_seconds, heartbeat_interval_seconds,
		       client_timeout_seconds, initial_lease_seconds,
		       ack_extend_seconds, progress_reset_seconds,
		       lease_cap_seconds, max_pending_per_workspace,
		       completed_max, max_attempts
		FROM settings WHERE id = 1`,
	).Scan(&set.AuthTimeoutSeconds, &set.HeartbeatIntervalSeconds,
		&set.ClientTimeoutSeconds, &set.InitialLeaseSeconds,
		&set.AckExtendSeconds, &set.ProgressResetSeconds,
		&set.LeaseCapSeconds, &set.MaxPendingPerWorkspace,
		&set.CompletedMax, &set.MaxAttempts)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return set, nil
}

// SeedSettings inserts the settings row with schema defaults if it
// does not exist yet. Returns true when a row was created.
func (s *Store) SeedSettings(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id) VALUES (1)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("seed settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed settings: %w", err)
	}
	return n > 0, nil
}
