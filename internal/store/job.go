package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallyware/tally/internal/conversation"
)

// Job statuses. The lifecycle is strict: enqueued → processing →
// succeeded|failed. Field co-occurrence follows the status: enqueued
// jobs carry no timestamps or error, processing jobs only StartedAt,
// terminal jobs both timestamps and (failed only) an error.
const (
	JobEnqueued   = "enqueued"
	JobProcessing = "processing"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
)

// Job names handled by the worker.
const (
	JobProcessConversation = "process_conversation"
	JobDownSyncCollection  = "down_sync_collection"
)

// Job is one durable unit of background work.
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PayloadJSON string     `json:"payload"`
	Status      string     `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EnqueueJob inserts a job with status enqueued. EnqueuedAt fixes the
// job's position in the FIFO order.
func (s *Store) EnqueueJob(name string, payload any) (*Job, error) {
	return enqueueJob(s.db, name, payload)
}

func enqueueJob(e execer, name string, payload any) (*Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	job := &Job{
		ID:          NewID(),
		Name:        name,
		PayloadJSON: string(payloadJSON),
		Status:      JobEnqueued,
		EnqueuedAt:  time.Now().UTC(),
	}

	_, err = e.Exec(`
		INSERT INTO background_jobs (id, name, payload_json, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.Name, job.PayloadJSON, job.Status, job.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// EnqueueTurn persists the conversation and enqueues its
// process_conversation job in a single transaction, so a conversation
// can never be left Processing without a queued job or vice versa.
func (s *Store) EnqueueTurn(c *conversation.Conversation) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertConversation(tx, c); err != nil {
		return nil, err
	}
	job, err := enqueueJob(tx, JobProcessConversation, map[string]string{"conversation_id": c.ID})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically selects the oldest enqueued job and flips it
// to processing with StartedAt set. The select and the guarded update
// run in one transaction with a rows-affected check, so two concurrent
// callers can never claim the same job. Returns nil, nil when the
// queue is empty.
func (s *Store) ClaimNextJob() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var enqueuedAt string
	err = tx.QueryRow(`
		SELECT id, name, payload_json, enqueued_at
		FROM background_jobs
		WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT 1
	`, JobEnqueued).Scan(&j.ID, &j.Name, &j.PayloadJSON, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	started := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE background_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, JobProcessing, started.Format(time.RFC3339Nano), j.ID, JobEnqueued)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		// Lost the race to another claimer.
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.StartedAt = &started
	if j.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob transitions a processing job to succeeded.
func (s *Store) CompleteJob(id string) error {
	return s.finishJob(id, JobSucceeded, "")
}

// FailJob transitions a processing job to failed with the given cause.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.finishJob(id, JobFailed, errMsg)
}

func (s *Store) finishJob(id, status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE background_jobs SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, status, now, nullIfEmpty(errMsg), id, JobProcessing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not processing: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueProcessing returns any job left in processing to enqueued,
// preserving its original enqueued_at so it does not lose its place in
// the queue. Called once at worker startup: a processing job with no
// live worker is the residue of a crash and would otherwise be
// invisible to ClaimNextJob forever.
func (s *Store) RequeueProcessing() (int, error) {
	res, err := s.db.Exec(`
		UPDATE background_jobs SET status = ?, started_at = NULL
		WHERE status = ?
	`, JobEnqueued, JobProcessing)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob loads a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, name, payload_json, status, enqueued_at, started_at, completed_at, error
		FROM background_jobs WHERE id = ?
	`, id)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs in FIFO order, newest last.
func (s *Store) ListJobs(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, name, payload_json, status, enqueued_at, started_at, completed_at, error
		FROM background_jobs ORDER BY enqueued_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var enqueuedAt string
	var startedAt, completedAt, errMsg sql.NullString

	if err := scan(&j.ID, &j.Name, &j.PayloadJSON, &j.Status, &enqueuedAt, &startedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}

	j.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		j.CompletedAt = &t
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	return &j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
