package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/pkg/postgres"
)

// JobStore persists job records and batch checkpoints in Postgres.
type JobStore struct {
	db *postgres.Client
}

// NewJobStore creates a JobStore over db.
func NewJobStore(db *postgres.Client) *JobStore {
	return &JobStore{db: db}
}

// Create inserts the job and fills in its ID and timestamps.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	var payload []byte
	if job.Doc != nil {
		var err error
		payload, err = json.Marshal(job.Doc)
		if err != nil {
			return fmt.Errorf("encoding job payload: %w", err)
		}
	}
	now := time.Now().UTC()
	err := s.db.DB.QueryRowContext(ctx, `
		INSERT INTO index_jobs (type, doc_id, batch_id, payload, state, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`,
		job.Type, job.DocID, job.BatchID, nullableBytes(payload), job.State, job.Attempts, now,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// MarkRunning transitions the job to running.
func (s *JobStore) MarkRunning(ctx context.Context, id int64) error {
	return s.setState(ctx, id, StateRunning, "", time.Time{})
}

// MarkSucceeded transitions the job to succeeded.
func (s *JobStore) MarkSucceeded(ctx context.Context, id int64) error {
	return s.setState(ctx, id, StateSucceeded, "", time.Time{})
}

// MarkFailed records the failure and the earliest time the job may run
// again.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, attempts int, lastError string, nextRunAt time.Time) error {
	_, err := s.db.DB.ExecContext(ctx, `
		UPDATE index_jobs
		SET state = $2, attempts = $3, last_error = $4, next_run_at = $5, updated_at = $6
		WHERE id = $1`,
		id, StateFailed, attempts, lastError, nextRunAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking job %d failed: %w", id, err)
	}
	return nil
}

// MarkDeadlettered parks the job permanently with its final error.
func (s *JobStore) MarkDeadlettered(ctx context.Context, id int64, lastError string) error {
	return s.setState(ctx, id, StateDeadlettered, lastError, time.Time{})
}

func (s *JobStore) setState(ctx context.Context, id int64, state JobState, lastError string, nextRunAt time.Time) error {
	_, err := s.db.DB.ExecContext(ctx, `
		UPDATE index_jobs
		SET state = $2, last_error = $3, next_run_at = $4, updated_at = $5
		WHERE id = $1`,
		id, state, lastError, nullableTime(nextRunAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating job %d to %s: %w", id, state, err)
	}
	return nil
}

// List returns the most recent jobs, optionally filtered by state.
func (s *JobStore) List(ctx context.Context, state JobState, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, doc_id, batch_id, payload, state, attempts, last_error, created_at, updated_at, next_run_at
		FROM index_jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Incomplete returns jobs that never reached a terminal state, oldest
// first. The pipeline requeues them on startup.
func (s *JobStore) Incomplete(ctx context.Context) ([]Job, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id, type, doc_id, batch_id, payload, state, attempts, last_error, created_at, updated_at, next_run_at
		FROM index_jobs
		WHERE state IN ($1, $2, $3)
		ORDER BY id`,
		StateQueued, StateRunning, StateFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("loading incomplete jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(rows *sql.Rows) (Job, error) {
	var (
		job       Job
		docID     sql.NullString
		batchID   sql.NullString
		payload   []byte
		lastError sql.NullString
		nextRun   sql.NullTime
	)
	if err := rows.Scan(&job.ID, &job.Type, &docID, &batchID, &payload, &job.State,
		&job.Attempts, &lastError, &job.CreatedAt, &job.UpdatedAt, &nextRun); err != nil {
		return Job{}, fmt.Errorf("scanning job row: %w", err)
	}
	job.DocID = docID.String
	job.BatchID = batchID.String
	job.LastError = lastError.String
	if nextRun.Valid {
		job.NextRunAt = nextRun.Time
	}
	if len(payload) > 0 {
		var doc index.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return Job{}, fmt.Errorf("decoding payload for job %d: %w", job.ID, err)
		}
		job.Doc = &doc
	}
	return job, nil
}

// SaveCheckpoint records batch progress so an interrupted reindex resumes
// from the last committed chunk instead of starting over.
func (s *JobStore) SaveCheckpoint(ctx context.Context, batchID, afterDocID string, processed int) error {
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO reindex_checkpoints (batch_id, after_doc_id, processed, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO UPDATE
		SET after_doc_id = EXCLUDED.after_doc_id,
		    processed = EXCLUDED.processed,
		    updated_at = EXCLUDED.updated_at`,
		batchID, afterDocID, processed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for batch %s: %w", batchID, err)
	}
	return nil
}

// LoadCheckpoint returns the saved progress for a batch, if any.
func (s *JobStore) LoadCheckpoint(ctx context.Context, batchID string) (afterDocID string, processed int, found bool, err error) {
	err = s.db.DB.QueryRowContext(ctx, `
		SELECT after_doc_id, processed FROM reindex_checkpoints WHERE batch_id = $1`,
		batchID,
	).Scan(&afterDocID, &processed)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("loading checkpoint for batch %s: %w", batchID, err)
	}
	return afterDocID, processed, true, nil
}

// ClearCheckpoint removes a completed batch's checkpoint.
func (s *JobStore) ClearCheckpoint(ctx context.Context, batchID string) error {
	_, err := s.db.DB.ExecContext(ctx, `DELETE FROM reindex_checkpoints WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("clearing checkpoint for batch %s: %w", batchID, err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
