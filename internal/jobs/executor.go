// executor.go maps each job type onto its object-store operation. Payload
// shapes are validated on dequeue; a payload that does not match its job type
// is a fatal operator error, never silently retried.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/storage"
)

// PayloadError marks a job whose payload does not match its type. These jobs
// are poisoned immediately; retrying a malformed payload can never succeed.
type PayloadError struct {
	JobID string
	Type  models.JobType
	cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("jobs: job %s has a payload that does not match type %s: %v", e.JobID, e.Type, e.cause)
}

func (e *PayloadError) Unwrap() error {
	return e.cause
}

func payloadErr(job *models.PendingJob, cause error) *PayloadError {
	return &PayloadError{JobID: job.ID, Type: job.Type, cause: cause}
}

// execute runs one job's cleanup operation against the object store.
func (r *Runner) execute(ctx context.Context, job *models.PendingJob) error {
	switch job.Type {
	case models.JobDeleteObject:
		var spec models.ObjectSpec
		if err := decode(job, &spec, func() bool {
			return spec.TenantID != "" && spec.UserID != "" && spec.ProjectID != "" && spec.ObjectID != ""
		}); err != nil {
			return err
		}
		return r.objects.Delete(ctx, storage.ObjectKey(spec.TenantID, spec.UserID, spec.ProjectID, spec.ObjectID))

	case models.JobDeleteProjectMedia:
		var spec models.ProjectSpec
		if err := decode(job, &spec, func() bool {
			return spec.TenantID != "" && spec.UserID != "" && spec.ProjectID != ""
		}); err != nil {
			return err
		}
		_, err := r.objects.DeletePrefix(ctx, storage.ProjectPrefix(spec.TenantID, spec.UserID, spec.ProjectID))
		return err

	case models.JobDeleteUserMedia:
		var spec models.UserSpec
		if err := decode(job, &spec, func() bool {
			return spec.TenantID != "" && spec.UserID != ""
		}); err != nil {
			return err
		}
		_, err := r.objects.DeletePrefix(ctx, storage.UserPrefix(spec.TenantID, spec.UserID))
		return err

	case models.JobDeleteClassMedia:
		var spec models.ClassSpec
		if err := decode(job, &spec, func() bool {
			return spec.TenantID != ""
		}); err != nil {
			return err
		}
		_, err := r.objects.DeletePrefix(ctx, spec.TenantID+"/")
		return err
	}

	return payloadErr(job, fmt.Errorf("unknown job type %d", job.Type))
}

// decode unmarshals a job payload and checks its required fields.
func decode(job *models.PendingJob, spec any, complete func() bool) error {
	if err := json.Unmarshal(job.Payload, spec); err != nil {
		return payloadErr(job, err)
	}
	if !complete() {
		return payloadErr(job, fmt.Errorf("missing required fields in %s", job.Payload))
	}
	return nil
}
