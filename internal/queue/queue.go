// Package queue is a durable at-least-once task queue backed by the catalog
// database. Delivery uses lease-based visibility timeouts with late ack:
// a task is acked only after its handler succeeds, and expired leases make
// the task visible again for another worker.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Task kinds.
const (
	KindProcessDocument       = "process_document"
	KindProcessBatch          = "process_batch"
	KindReprocessFailed       = "reprocess_failed"
	KindProcessPending        = "process_pending"
	KindDeleteDocumentVectors = "delete_document_vectors"
)

// Task states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// resultRetention is how long finished tasks are kept before pruning.
const resultRetention = time.Hour

// Task is one queued unit of work.
type Task struct {
	ID             string
	Kind           string
	Payload        json.RawMessage
	Status         string
	RetryCount     int
	MaxRetries     int
	VisibleAt      time.Time
	LeaseExpiresAt *time.Time
	WorkerID       string
	Result         string
	ErrorMessage   string
	CreatedAt      time.Time
}

// ProcessDocumentPayload is the payload for process_document and
// delete_document_vectors tasks.
type ProcessDocumentPayload struct {
	DocumentID string `json:"document_id"`
	Force      bool   `json:"force,omitempty"`
}

// ProcessBatchPayload is the payload for process_batch tasks.
type ProcessBatchPayload struct {
	DocumentIDs []string `json:"document_ids"`
	Force       bool     `json:"force,omitempty"`
}

// ScopedPayload is the payload for reprocess_failed and process_pending.
type ScopedPayload struct {
	KBID  string `json:"kb_id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// DeleteVectorsPayload carries the vector ids of a deleted document. The
// catalog row is already gone when this task runs, so the payload is
// self-contained.
type DeleteVectorsPayload struct {
	DocumentID string   `json:"document_id"`
	KBID       string   `json:"kb_id"`
	VectorIDs  []string `json:"vector_ids"`
}

// Config holds queue tuning knobs.
type Config struct {
	Workers           int
	VisibilityTimeout time.Duration
	MaxRetries        int
	PollInterval      time.Duration
	BackoffBase       time.Duration
	SoftTimeLimit     time.Duration
	HardTimeLimit     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		VisibilityTimeout: 5 * time.Minute,
		MaxRetries:        3,
		PollInterval:      time.Second,
		BackoffBase:       time.Second,
		SoftTimeLimit:     50 * time.Minute,
		HardTimeLimit:     60 * time.Minute,
	}
}

// Queue persists tasks in the shared catalog database.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue over the catalog's database handle.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, cfg: cfg, logger: logger, now: time.Now}
}

func qts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseQTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Enqueue adds a task and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", kberrors.InternalError("failed to encode task payload", err)
	}

	id := uuid.NewString()
	now := q.now()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, status, max_retries, visible_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind, string(data), StatusQueued, q.cfg.MaxRetries,
		qts(now), qts(now), qts(now))
	if err != nil {
		return "", kberrors.InternalError("failed to enqueue task", err)
	}

	q.logger.Debug("task enqueued",
		slog.String("task_id", id),
		slog.String("kind", kind))
	return id, nil
}

// Dequeue claims the oldest visible task for a worker, setting its lease.
// Returns nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kberrors.InternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, payload, retry_count, max_retries, created_at
		FROM tasks
		WHERE status = ? AND visible_at <= ?
		ORDER BY visible_at
		LIMIT 1`, StatusQueued, qts(now))

	var t Task
	var payload, created string
	err = row.Scan(&t.ID, &t.Kind, &payload, &t.RetryCount, &t.MaxRetries, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.InternalError("failed to scan task", err)
	}
	t.Payload = json.RawMessage(payload)
	t.CreatedAt = parseQTS(created)
	t.Status = StatusRunning
	t.WorkerID = workerID

	lease := now.Add(q.cfg.VisibilityTimeout)
	t.LeaseExpiresAt = &lease

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusRunning, workerID, qts(lease), qts(now), t.ID)
	if err != nil {
		return nil, kberrors.InternalError("failed to claim task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, kberrors.InternalError("failed to commit claim", err)
	}
	return &t, nil
}

// Ack marks a task succeeded and records its result.
func (q *Queue) Ack(ctx context.Context, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte("{}")
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, lease_expires_at = NULL,
		    finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSucceeded, string(data), qts(now), qts(now), taskID, StatusRunning)
	if err != nil {
		return kberrors.InternalError("failed to ack task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberrors.NotFoundError(kberrors.ErrCodeTaskNotFound, "task", taskID)
	}
	return nil
}

// Nack records a failed attempt. The task is requeued with exponential
// backoff until its retry budget is exhausted, then marked failed.
func (q *Queue) Nack(ctx context.Context, taskID string, errMsg string) error {
	now := q.now()

	var retryCount, maxRetries int
	err := q.db.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM tasks WHERE id = ?`, taskID).
		Scan(&retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return kberrors.NotFoundError(kberrors.ErrCodeTaskNotFound, "task", taskID)
	}
	if err != nil {
		return kberrors.InternalError("failed to load task", err)
	}

	retryCount++
	if retryCount > maxRetries {
		_, err = q.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retry_count = ?, error_message = ?,
			    lease_expires_at = NULL, finished_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusFailed, retryCount, errMsg, qts(now), qts(now), taskID)
		if err != nil {
			return kberrors.InternalError("failed to fail task", err)
		}
		q.logger.Warn("task exhausted retries",
			slog.String("task_id", taskID),
			slog.String("error", errMsg))
		return nil
	}

	backoff := q.cfg.BackoffBase * (1 << (retryCount - 1))
	_, err = q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = ?, error_message = ?,
		    lease_expires_at = NULL, worker_id = '', visible_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusQueued, retryCount, errMsg, qts(now.Add(backoff)), qts(now), taskID)
	if err != nil {
		return kberrors.InternalError("failed to requeue task", err)
	}
	return nil
}

// ExtendLease pushes a running task's lease forward, keeping it invisible
// while a long handler makes progress.
func (q *Queue) ExtendLease(ctx context.Context, taskID string) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		qts(now.Add(q.cfg.VisibilityTimeout)), qts(now), taskID, StatusRunning)
	if err != nil {
		return kberrors.InternalError("failed to extend lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kberrors.NotFoundError(kberrors.ErrCodeTaskNotFound, "task", taskID)
	}
	return nil
}

// RequeueExpired makes tasks with expired leases visible again, counting the
// lost attempt against the retry budget. Returns how many were swept.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.now()

	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, worker_id = '',
		    lease_expires_at = NULL, visible_at = ?, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		  AND retry_count < max_retries`,
		StatusQueued, qts(now), qts(now), StatusRunning, qts(now))
	if err != nil {
		return 0, kberrors.InternalError("failed to requeue expired tasks", err)
	}
	requeued, _ := res.RowsAffected()

	// Expired tasks out of retries are terminal.
	_, err = q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_message = 'worker lost, retries exhausted',
		    lease_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		StatusFailed, qts(now), qts(now), StatusRunning, qts(now))
	if err != nil {
		return int(requeued), kberrors.InternalError("failed to fail expired tasks", err)
	}

	if requeued > 0 {
		q.logger.Info("requeued expired tasks", slog.Int64("count", requeued))
	}
	return int(requeued), nil
}

// PruneResults deletes finished tasks older than the retention window.
func (q *Queue) PruneResults(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-resultRetention)
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at <= ?`,
		StatusSucceeded, StatusFailed, qts(cutoff))
	if err != nil {
		return 0, kberrors.InternalError("failed to prune tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetTask loads a task by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, status, retry_count, max_retries,
		       visible_at, lease_expires_at, worker_id, result, error_message, created_at
		FROM tasks WHERE id = ?`, taskID)

	var t Task
	var payload, visible, created string
	var lease sql.NullString
	err := row.Scan(&t.ID, &t.Kind, &payload, &t.Status, &t.RetryCount, &t.MaxRetries,
		&visible, &lease, &t.WorkerID, &t.Result, &t.ErrorMessage, &created)
	if err == sql.ErrNoRows {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeTaskNotFound, "task", taskID)
	}
	if err != nil {
		return nil, kberrors.InternalError("failed to load task", err)
	}
	t.Payload = json.RawMessage(payload)
	t.VisibleAt = parseQTS(visible)
	t.CreatedAt = parseQTS(created)
	if lease.Valid {
		l := parseQTS(lease.String)
		t.LeaseExpiresAt = &l
	}
	return &t, nil
}
