// Package lifecycle drives creation, update, status polling, and expiry-based
// teardown of classifier resources living in external training backends. It
// maintains one authoritative ClassifierRecord per (project, service type)
// pair and keeps scratch keys consistent with it.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/db/repositories"
	"github.com/classml/classml/internal/notify"
	"github.com/classml/classml/internal/pool"
	"github.com/classml/classml/internal/safego"
	"github.com/classml/classml/internal/telemetry"
)

// classifierStore is the slice of the classifier repository the manager needs.
type classifierStore interface {
	GetByProject(ctx context.Context, projectID string, serviceType models.ServiceType) (*models.ClassifierRecord, error)
	FindExpired(ctx context.Context, serviceType models.ServiceType, now time.Time) ([]*models.ClassifierRecord, error)
	Create(ctx context.Context, rec *models.ClassifierRecord) error
	Update(ctx context.Context, rec *models.ClassifierRecord) error
	Delete(ctx context.Context, id string) error
}

// policySource resolves the tenant policy in effect at write time.
type policySource interface {
	GetPolicy(ctx context.Context, tenantID string) (*models.TenantPolicy, error)
}

// credentialAllocator is the pool allocator surface the manager consumes.
type credentialAllocator interface {
	Allocate(ctx context.Context, tenantID string, serviceType models.ServiceType) ([]*models.CredentialSet, error)
	Resolve(ctx context.Context, credentialsID string) (*models.CredentialSet, error)
}

// keyBinder keeps scratch keys in step with classifier writes.
type keyBinder interface {
	Bind(ctx context.Context, project *models.Project, credentialsID, classifierID *string, ts time.Time) error
	Reset(ctx context.Context, classifierID string, ts time.Time) error
}

// Manager is the classifier lifecycle manager.
type Manager struct {
	classifiers classifierStore
	policies    policySource
	allocator   credentialAllocator
	binder      keyBinder
	backends    backend.Registry
	notifier    notify.Notifier
	logger      *slog.Logger

	// alertChannel is where operator alerts for unexpected backend failures
	// are routed. capacityChannel receives pool-exhaustion notices so the
	// people who top up credential pools see them without the pager noise.
	alertChannel    string
	capacityChannel string
	sweepBackoff    Backoff
	sweepMu      sync.Mutex
	now          func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(
	classifiers classifierStore,
	policies policySource,
	allocator credentialAllocator,
	binder keyBinder,
	backends backend.Registry,
	notifier notify.Notifier,
	logger *slog.Logger,
	alertChannel string,
	capacityChannel string,
	sweepBackoff Backoff,
) *Manager {
	return &Manager{
		classifiers:     classifiers,
		policies:        policies,
		allocator:       allocator,
		binder:          binder,
		backends:        backends,
		notifier:        notifier,
		logger:          logger,
		alertChannel:    alertChannel,
		capacityChannel: capacityChannel,
		sweepBackoff:    sweepBackoff,
		now:             time.Now,
	}
}

// Train submits a training request for the project. With no existing record
// it walks the shuffled credential pool until one submission succeeds; with an
// existing record it resubmits against the record's pinned credential set as
// an update. On success the record and the project's scratch key are
// persisted before returning.
func (m *Manager) Train(ctx context.Context, project *models.Project, payload json.RawMessage) (*models.ClassifierRecord, error) {
	client := m.backends.Lookup(project.Type)
	if client == nil {
		return nil, fmt.Errorf("lifecycle: service type %q has no training backend", project.Type)
	}

	req := &backend.TrainRequest{
		ProjectID: project.ID,
		Name:      project.Name,
		Language:  project.Language,
		Labels:    project.Labels,
		Payload:   payload,
	}

	existing, err := m.classifiers.GetByProject(ctx, project.ID, project.Type)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading classifier record: %w", err)
	}
	if existing == nil {
		return m.trainNew(ctx, client, project, req)
	}
	return m.retrain(ctx, client, project, existing, req)
}

// trainNew is the create path: try each credential set in the shuffled pool
// in turn, remembering the last pool-retryable failure kind so an exhausted
// pool surfaces the most specific reason seen.
func (m *Manager) trainNew(ctx context.Context, client backend.Client, project *models.Project, req *backend.TrainRequest) (*models.ClassifierRecord, error) {
	candidates, err := m.allocator.Allocate(ctx, project.TenantID, project.Type)
	if err != nil {
		if errors.Is(err, pool.ErrNoCredentials) {
			telemetry.PoolExhaustedTotal.WithLabelValues(string(project.Type)).Inc()
			telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), pool.KindCapacityExhausted.String()).Inc()
			m.notifyCapacity(project, err)
			return nil, newTrainError(pool.KindCapacityExhausted, err)
		}
		return nil, fmt.Errorf("lifecycle: allocating credentials: %w", err)
	}

	lastKind := pool.KindCapacityExhausted
	sawRetryable := false
	for _, cred := range candidates {
		result, err := client.Train(ctx, cred, "", req)
		if err == nil {
			rec, err := m.persistNew(ctx, project, cred, result)
			if err != nil {
				return nil, err
			}
			telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), "ok").Inc()
			return rec, nil
		}

		kind := pool.Classify(err)
		if kind.PoolRetryable() {
			lastKind = kind
			sawRetryable = true
			m.logger.Info("credential set rejected, trying next",
				"tenant", project.TenantID,
				"project", project.ID,
				"credentials", cred.ID,
				"kind", kind.String())
			continue
		}

		telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), kind.String()).Inc()
		if kind == pool.KindCredentialsRejected {
			return nil, newTrainError(kind, err)
		}

		// Unexpected failure: stop, alert the operators, and surface the most
		// specific kind seen so far. A rate-limited pool that then hits an
		// unknown error is still a capacity story for the tenant.
		m.alertOperator(ctx, project, err)
		if sawRetryable {
			return nil, newTrainError(lastKind, err)
		}
		return nil, newTrainError(kind, err)
	}

	telemetry.PoolExhaustedTotal.WithLabelValues(string(project.Type)).Inc()
	telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), lastKind.String()).Inc()
	exhausted := fmt.Errorf("lifecycle: exhausted all %d credential sets", len(candidates))
	m.notifyCapacity(project, exhausted)
	return nil, newTrainError(lastKind, exhausted)
}

// retrain is the update path: the submission is pinned to the credential set
// that created the classifier, so there is no pool to fall back on.
func (m *Manager) retrain(ctx context.Context, client backend.Client, project *models.Project, existing *models.ClassifierRecord, req *backend.TrainRequest) (*models.ClassifierRecord, error) {
	cred, err := m.allocator.Resolve(ctx, existing.CredentialsID)
	if err != nil {
		if errors.Is(err, pool.ErrNoCredentials) {
			return nil, newTrainError(pool.KindCredentialsRejected,
				fmt.Errorf("lifecycle: credential set %s no longer exists", existing.CredentialsID))
		}
		return nil, fmt.Errorf("lifecycle: resolving pinned credentials: %w", err)
	}

	result, err := client.Train(ctx, cred, existing.ClassifierID, req)
	if err != nil {
		kind := pool.Classify(err)
		telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), kind.String()).Inc()

		if kind == pool.KindNotFound {
			// The backend lost the model. Delete the stale record and tell
			// the tenant to retrain, instead of silently recreating it.
			if delErr := m.dropRecord(ctx, existing); delErr != nil {
				return nil, delErr
			}
			trainErr := newTrainError(kind, err)
			trainErr.ModelLost = true
			return nil, trainErr
		}
		if kind == pool.KindUnknown {
			m.alertOperator(ctx, project, err)
		}
		return nil, newTrainError(kind, err)
	}

	rec, err := m.persistUpdate(ctx, project, existing, cred, result)
	if err != nil {
		return nil, err
	}
	telemetry.TrainingAttemptsTotal.WithLabelValues(string(project.Type), "ok").Inc()
	return rec, nil
}

func (m *Manager) persistNew(ctx context.Context, project *models.Project, cred *models.CredentialSet, result *backend.TrainResult) (*models.ClassifierRecord, error) {
	policy, err := m.policies.GetPolicy(ctx, project.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading tenant policy: %w", err)
	}

	now := m.now().UTC()
	rec := &models.ClassifierRecord{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		UserID:        project.UserID,
		TenantID:      project.TenantID,
		ServiceType:   project.Type,
		ClassifierID:  result.ClassifierID,
		CredentialsID: cred.ID,
		Name:          project.Name,
		Status:        mapBackendStatus(result.Status),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(policy.RetentionHours(project.Type)),
	}
	if err := m.classifiers.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("lifecycle: persisting classifier record: %w", err)
	}

	// Refresh the scratch key only after the record write succeeded; a key
	// must never point at a classifier id that failed to persist.
	if err := m.binder.Bind(ctx, project, &cred.ID, &rec.ClassifierID, now); err != nil {
		return nil, fmt.Errorf("lifecycle: refreshing scratch key: %w", err)
	}
	return rec, nil
}

func (m *Manager) persistUpdate(ctx context.Context, project *models.Project, existing *models.ClassifierRecord, cred *models.CredentialSet, result *backend.TrainResult) (*models.ClassifierRecord, error) {
	policy, err := m.policies.GetPolicy(ctx, project.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading tenant policy: %w", err)
	}

	now := m.now().UTC()
	existing.Status = mapBackendStatus(result.Status)
	existing.UpdatedAt = now
	existing.ExpiresAt = now.Add(policy.RetentionHours(project.Type))
	if result.ClassifierID != "" {
		existing.ClassifierID = result.ClassifierID
	}

	if err := m.classifiers.Update(ctx, existing); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, fmt.Errorf("lifecycle: concurrent retrain of project %s: %w", project.ID, err)
		}
		return nil, fmt.Errorf("lifecycle: persisting classifier record: %w", err)
	}
	if err := m.binder.Bind(ctx, project, &cred.ID, &existing.ClassifierID, now); err != nil {
		return nil, fmt.Errorf("lifecycle: refreshing scratch key: %w", err)
	}
	return existing, nil
}

// Status reports the project's training status. With no record it answers
// untrained without contacting the backend; otherwise it probes the backend
// and maps its status string onto the caller-facing set. A probe failure is
// reported as NonExistent, never as the raw error, and a not-found probe also
// deletes the stale record.
func (m *Manager) Status(ctx context.Context, project *models.Project) (models.ClassifierStatus, error) {
	rec, err := m.classifiers.GetByProject(ctx, project.ID, project.Type)
	if err != nil {
		return "", fmt.Errorf("lifecycle: loading classifier record: %w", err)
	}
	if rec == nil {
		return models.StatusUntrained, nil
	}

	client := m.backends.Lookup(project.Type)
	if client == nil {
		return rec.Status, nil
	}

	cred, err := m.allocator.Resolve(ctx, rec.CredentialsID)
	if err != nil {
		m.logger.Warn("cannot resolve credentials for status probe",
			"tenant", project.TenantID,
			"project", project.ID,
			"credentials", rec.CredentialsID,
			"error", err)
		return models.StatusNonExistent, nil
	}

	status, err := client.ProbeStatus(ctx, cred, rec.ClassifierID)
	if err != nil {
		if pool.Classify(err) == pool.KindNotFound {
			if delErr := m.dropRecord(ctx, rec); delErr != nil {
				return "", delErr
			}
		}
		return models.StatusNonExistent, nil
	}
	return mapBackendStatus(status), nil
}

// ExpireSweep tears down every classifier whose retention window has passed:
// backend delete (not-found tolerated), record delete, scratch keys reset to
// untrained shape. Safe to invoke repeatedly; a second run with no newly
// expired records is a no-op. Single-flight per process.
func (m *Manager) ExpireSweep(ctx context.Context) error {
	if !m.sweepMu.TryLock() {
		m.logger.Info("expiry sweep already running, skipping")
		return nil
	}
	defer m.sweepMu.Unlock()

	for _, serviceType := range models.TrainableServiceTypes {
		if err := m.sweepService(ctx, serviceType); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sweepService(ctx context.Context, serviceType models.ServiceType) error {
	records, err := m.classifiers.FindExpired(ctx, serviceType, m.now().UTC())
	if err != nil {
		return fmt.Errorf("lifecycle: finding expired %s classifiers: %w", serviceType, err)
	}

	client := m.backends.Lookup(serviceType)
	for i, rec := range records {
		if err := m.sweepBackoff.Sleep(ctx, i); err != nil {
			return err
		}

		if client != nil {
			cred, err := m.allocator.Resolve(ctx, rec.CredentialsID)
			switch {
			case errors.Is(err, pool.ErrNoCredentials):
				// Credential set is gone; the backend resource is
				// unreachable and will lapse on its own. Clean up locally.
				m.logger.Warn("expired classifier has no credentials, deleting record only",
					"tenant", rec.TenantID, "classifier", rec.ClassifierID)
			case err != nil:
				return fmt.Errorf("lifecycle: resolving credentials for sweep: %w", err)
			default:
				if err := client.Delete(ctx, cred, rec.ClassifierID); err != nil {
					if pool.Classify(err) != pool.KindNotFound {
						// Leave the record in place; the next sweep retries.
						m.logger.Error("failed to delete expired classifier",
							"tenant", rec.TenantID,
							"project", rec.ProjectID,
							"classifier", rec.ClassifierID,
							"error", err)
						continue
					}
				}
			}
		}

		if err := m.dropRecord(ctx, rec); err != nil {
			return err
		}
		telemetry.ExpirySweepDeletedTotal.WithLabelValues(string(serviceType)).Inc()
		m.logger.Info("expired classifier torn down",
			"tenant", rec.TenantID,
			"project", rec.ProjectID,
			"classifier", rec.ClassifierID)
	}
	return nil
}

// dropRecord deletes a classifier record and resets any scratch keys bound to
// its classifier id back to untrained shape.
func (m *Manager) dropRecord(ctx context.Context, rec *models.ClassifierRecord) error {
	if err := m.classifiers.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("lifecycle: deleting classifier record %s: %w", rec.ID, err)
	}
	if err := m.binder.Reset(ctx, rec.ClassifierID, m.now().UTC()); err != nil {
		return fmt.Errorf("lifecycle: resetting scratch keys for %s: %w", rec.ClassifierID, err)
	}
	return nil
}

// alertOperator pages the operators about an unexpected backend failure,
// unless the tenant is flagged disruptive. Secrets never reach the message.
func (m *Manager) alertOperator(ctx context.Context, project *models.Project, cause error) {
	m.logger.Error("unexpected training backend failure",
		"tenant", project.TenantID,
		"project", project.ID,
		"service", string(project.Type),
		"error", cause)

	policy, err := m.policies.GetPolicy(ctx, project.TenantID)
	if err == nil && policy.Disruptive {
		m.logger.Info("alert suppressed for muted tenant", "tenant", project.TenantID)
		return
	}

	message := fmt.Sprintf("unexpected %s backend failure for tenant %s project %s: %v",
		project.Type, project.TenantID, project.ID, cause)
	channel := m.alertChannel
	safego.Go(func() {
		m.notifier.Notify(context.Background(), channel, message)
	})
}

// notifyCapacity posts a note to the capacity channel when a tenant's
// credential pool runs dry. Unlike operator alerts, capacity notices are not
// subject to the disruptive-tenant mute.
func (m *Manager) notifyCapacity(project *models.Project, cause error) {
	if m.capacityChannel == "" {
		return
	}
	message := fmt.Sprintf("credential pool exhausted for tenant %s (%s): %v",
		project.TenantID, project.Type, cause)
	channel := m.capacityChannel
	safego.Go(func() {
		m.notifier.Notify(context.Background(), channel, message)
	})
}

// mapBackendStatus folds backend-specific status strings onto the
// caller-facing status set.
func mapBackendStatus(s string) models.ClassifierStatus {
	switch strings.ToLower(s) {
	case "available", "ready":
		return models.StatusAvailable
	case "training", "pending":
		return models.StatusTraining
	}
	return models.StatusFailed
}
