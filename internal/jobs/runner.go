// Package jobs implements the durable cleanup queue worker. Deferred deletes
// against external object storage are persisted as pending jobs and drained
// by a scheduler-invoked single worker; retry pacing comes from the
// scheduler's call frequency, not from in-process timers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/notify"
	"github.com/classml/classml/internal/safego"
	"github.com/classml/classml/internal/storage"
	"github.com/classml/classml/internal/telemetry"
)

// jobStore is the slice of the job repository the runner needs.
type jobStore interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload json.RawMessage) (*models.PendingJob, error)
	NextPending(ctx context.Context, afterCreated time.Time, afterID string) (*models.PendingJob, error)
	Delete(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, at time.Time) error
	MarkPoison(ctx context.Context, id string, at time.Time) error
}

// Runner drains the pending-job queue.
type Runner struct {
	store    jobStore
	objects  storage.Store
	notifier notify.Notifier
	logger   *slog.Logger

	maxAttempts    int
	alertThreshold time.Duration
	alertChannel   string

	drainMu sync.Mutex
	now     func() time.Time
}

// NewRunner creates a queue runner.
func NewRunner(store jobStore, objects storage.Store, notifier notify.Notifier, logger *slog.Logger, cfg config.SchedulerConfig, alertChannel string) *Runner {
	return &Runner{
		store:          store,
		objects:        objects,
		notifier:       notifier,
		logger:         logger,
		maxAttempts:    cfg.JobMaxAttempts,
		alertThreshold: cfg.DrainAlertThreshold,
		alertChannel:   alertChannel,
		now:            time.Now,
	}
}

// Enqueue persists a cleanup job with zero attempts. The payload must be the
// spec type matching the job type; it is validated again on dequeue.
func (r *Runner) Enqueue(ctx context.Context, jobType models.JobType, payload any) error {
	if !jobType.Valid() {
		return fmt.Errorf("jobs: invalid job type %d", jobType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: marshalling payload: %w", err)
	}
	if _, err := r.store.Enqueue(ctx, jobType, data); err != nil {
		return fmt.Errorf("jobs: enqueueing %s: %w", jobType, err)
	}
	return nil
}

// Drain processes pending jobs oldest-first, one at a time, until the queue
// is empty. A job whose operation fails has its attempts counter bumped and
// stays queued for the next invocation; a job past the attempts threshold is
// parked as poison and alerted. A store failure outside any single job halts
// the drain and alerts. Single-flight per process; overlapping invocations
// across processes are safe because every operation is repeatable.
func (r *Runner) Drain(ctx context.Context) error {
	if !r.drainMu.TryLock() {
		r.logger.Info("job drain already running, skipping")
		return nil
	}
	defer r.drainMu.Unlock()

	start := r.now()
	defer func() {
		elapsed := time.Since(start)
		telemetry.DrainDuration.Observe(elapsed.Seconds())
		if r.alertThreshold > 0 && elapsed > r.alertThreshold {
			r.alert(fmt.Sprintf("pending-job drain took %s, over the %s threshold; the backlog may be growing", elapsed.Round(time.Second), r.alertThreshold))
		}
	}()

	// Cursor over (created_at, id) so a job that fails and stays pending is
	// not revisited within this drain.
	var afterCreated time.Time
	var afterID string

	for {
		job, err := r.store.NextPending(ctx, afterCreated, afterID)
		if err != nil {
			r.alert(fmt.Sprintf("pending-job drain halted: cannot read the queue: %v", err))
			return fmt.Errorf("jobs: reading queue: %w", err)
		}
		if job == nil {
			return nil
		}
		afterCreated, afterID = job.CreatedAt, job.ID

		if err := r.runOne(ctx, job); err != nil {
			return err
		}
	}
}

// runOne executes a single job and settles its queue state. The returned
// error is non-nil only for store failures, which halt the whole drain.
func (r *Runner) runOne(ctx context.Context, job *models.PendingJob) error {
	execErr := r.execute(ctx, job)
	if execErr == nil {
		if err := r.store.Delete(ctx, job.ID); err != nil {
			r.alert(fmt.Sprintf("pending-job drain halted: cannot delete finished job %s: %v", job.ID, err))
			return fmt.Errorf("jobs: deleting finished job %s: %w", job.ID, err)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(job.Type.String(), "ok").Inc()
		return nil
	}

	now := r.now().UTC()

	var payloadErr *PayloadError
	if errors.As(execErr, &payloadErr) {
		// Retrying a malformed payload can never succeed.
		if err := r.store.MarkPoison(ctx, job.ID, now); err != nil {
			return fmt.Errorf("jobs: poisoning malformed job %s: %w", job.ID, err)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(job.Type.String(), "poison").Inc()
		r.logger.Error("cleanup job has malformed payload", "job", job.ID, "type", job.Type.String(), "error", execErr)
		r.alert(fmt.Sprintf("cleanup job %s poisoned: %v", job.ID, execErr))
		return nil
	}

	if job.Attempts+1 >= r.maxAttempts {
		if err := r.store.MarkPoison(ctx, job.ID, now); err != nil {
			return fmt.Errorf("jobs: poisoning job %s: %w", job.ID, err)
		}
		telemetry.JobsProcessedTotal.WithLabelValues(job.Type.String(), "poison").Inc()
		r.logger.Error("cleanup job exceeded max attempts",
			"job", job.ID,
			"type", job.Type.String(),
			"attempts", job.Attempts+1,
			"error", execErr)
		r.alert(fmt.Sprintf("cleanup job %s (%s) poisoned after %d attempts: %v", job.ID, job.Type, job.Attempts+1, execErr))
		return nil
	}

	if err := r.store.RecordFailure(ctx, job.ID, now); err != nil {
		r.alert(fmt.Sprintf("pending-job drain halted: cannot record failure on job %s: %v", job.ID, err))
		return fmt.Errorf("jobs: recording failure on job %s: %w", job.ID, err)
	}
	telemetry.JobsProcessedTotal.WithLabelValues(job.Type.String(), "failed").Inc()
	r.logger.Warn("cleanup job failed, staying queued",
		"job", job.ID,
		"type", job.Type.String(),
		"attempts", job.Attempts+1,
		"error", execErr)
	return nil
}

func (r *Runner) alert(message string) {
	channel := r.alertChannel
	safego.Go(func() {
		r.notifier.Notify(context.Background(), channel, message)
	})
}
