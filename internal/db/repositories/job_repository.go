// job_repository.go implements JobRepository, the persistence behind the
// durable cleanup queue: FIFO pop of the oldest pending job, retry
// accounting, and the poison parking lot for jobs past the attempts
// threshold.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/classml/classml/internal/db/models"
)

// JobRepository handles pending cleanup job database operations.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, job_type, payload, attempts, last_attempt, status, created_at`

// Enqueue persists a new pending job with zero attempts.
func (r *JobRepository) Enqueue(ctx context.Context, jobType models.JobType, payload json.RawMessage) (*models.PendingJob, error) {
	job := &models.PendingJob{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO pending_jobs (id, job_type, payload, attempts, status, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query, job.ID, job.Type, []byte(job.Payload), job.Status, job.CreatedAt)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// NextPending returns the oldest pending job strictly after the given
// (createdAt, id) cursor, or nil when none remain. The cursor lets a drain
// walk the queue in insertion order without revisiting a job that just failed
// and stayed pending; pass the zero time and empty id to start at the head.
// Poisoned jobs are never returned.
func (r *JobRepository) NextPending(ctx context.Context, afterCreated time.Time, afterID string) (*models.PendingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM pending_jobs
		WHERE status = $1
		  AND (created_at > $2 OR (created_at = $2 AND id > $3))
		ORDER BY created_at, id
		LIMIT 1
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, models.JobStatusPending, afterCreated, afterID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a job whose operation completed successfully.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_jobs WHERE id = $1`, id)
	return err
}

// RecordFailure increments a job's attempts counter and stamps the attempt
// time, leaving the job queued for the next drain.
func (r *JobRepository) RecordFailure(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE pending_jobs
		SET attempts = attempts + 1, last_attempt = $1
		WHERE id = $2
	`

	_, err := r.db.ExecContext(ctx, query, at, id)
	return err
}

// MarkPoison parks a job that exceeded the attempts threshold. Poisoned jobs
// are excluded from drains until an operator requeues or deletes them.
func (r *JobRepository) MarkPoison(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE pending_jobs
		SET status = $1, attempts = attempts + 1, last_attempt = $2
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, query, models.JobStatusPoison, at, id)
	return err
}

// ListPoison returns all poisoned jobs, oldest first, for operator inspection.
func (r *JobRepository) ListPoison(ctx context.Context) ([]*models.PendingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM pending_jobs
		WHERE status = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, models.JobStatusPoison)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.PendingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*models.PendingJob, error) {
	job := &models.PendingJob{}
	var payload []byte
	var lastAttempt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Attempts,
		&lastAttempt,
		&job.Status,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	if lastAttempt.Valid {
		job.LastAttempt = &lastAttempt.Time
	}
	return job, nil
}
