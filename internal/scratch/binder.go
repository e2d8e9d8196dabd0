// Package scratch implements the scratch-key binder: the capability tokens
// handed to block-based coding tools. A key binds a project to its currently
// usable classifier and credentials; classification against an unbound key
// degrades to a random answer so a half-configured classroom project stays
// usable in a lesson.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/pool"
	"github.com/classml/classml/internal/telemetry"
)

// ErrKeyNotFound is returned when the scratch key id is unknown. It is
// distinguishable from a known key with no trained classifier, which resolves
// normally and classifies in random mode.
var ErrKeyNotFound = errors.New("scratch: key not found")

// keyStore is the slice of the scratch-key repository the binder needs.
type keyStore interface {
	GetByID(ctx context.Context, id string) (*models.ScratchKey, error)
	GetByProjectAndOwner(ctx context.Context, projectID, userID string) (*models.ScratchKey, error)
	Create(ctx context.Context, key *models.ScratchKey) error
	UpdateBinding(ctx context.Context, keyID string, classifierID, credentialsID *string, updated time.Time) error
	ResetByClassifier(ctx context.Context, classifierID string, updated time.Time) ([]string, error)
}

// projectSource loads the project a key exposes, for its label set.
type projectSource interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// credentialResolver decrypts the credential set a key is bound to.
type credentialResolver interface {
	Resolve(ctx context.Context, credentialsID string) (*models.CredentialSet, error)
}

// Binder issues, refreshes, and resolves scratch keys.
type Binder struct {
	keys     keyStore
	projects projectSource
	creds    credentialResolver
	backends backend.Registry
	cache    KeyCache
	logger   *slog.Logger
	now      func() time.Time
	intn     func(n int) int
}

// NewBinder creates a binder. cache may be nil to disable caching.
func NewBinder(keys keyStore, projects projectSource, creds credentialResolver, backends backend.Registry, cache KeyCache, logger *slog.Logger) *Binder {
	return &Binder{
		keys:     keys,
		projects: projects,
		creds:    creds,
		backends: backends,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
		intn:     rand.IntN,
	}
}

// Bind upserts the scratch key for (owner, project): an existing key gets its
// classifier binding and timestamp updated in place, otherwise one is
// created. Look-up-before-insert keeps retraining from ever duplicating keys.
func (b *Binder) Bind(ctx context.Context, project *models.Project, credentialsID, classifierID *string, ts time.Time) error {
	existing, err := b.keys.GetByProjectAndOwner(ctx, project.ID, project.UserID)
	if err != nil {
		return fmt.Errorf("scratch: looking up key for project %s: %w", project.ID, err)
	}

	if existing != nil {
		if err := b.keys.UpdateBinding(ctx, existing.ID, classifierID, credentialsID, ts); err != nil {
			return fmt.Errorf("scratch: updating key %s: %w", existing.ID, err)
		}
		if b.cache != nil {
			b.cache.Invalidate(ctx, existing.ID)
		}
		return nil
	}

	key := &models.ScratchKey{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		ProjectType:   project.Type,
		TenantID:      project.TenantID,
		UserID:        project.UserID,
		ClassifierID:  classifierID,
		CredentialsID: credentialsID,
		UpdatedAt:     ts,
	}
	if err := b.keys.Create(ctx, key); err != nil {
		return fmt.Errorf("scratch: creating key for project %s: %w", project.ID, err)
	}
	return nil
}

// Resolve loads a scratch key by id, through the cache when one is
// configured. Unknown ids fail with ErrKeyNotFound.
func (b *Binder) Resolve(ctx context.Context, keyID string) (*models.ScratchKey, error) {
	if b.cache != nil {
		if key, ok := b.cache.Get(ctx, keyID); ok {
			telemetry.ScratchCacheTotal.WithLabelValues("hit").Inc()
			return key, nil
		}
		telemetry.ScratchCacheTotal.WithLabelValues("miss").Inc()
	}

	key, err := b.keys.GetByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("scratch: loading key %s: %w", keyID, err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}

	if b.cache != nil {
		b.cache.Set(ctx, key)
	}
	return key, nil
}

// Reset nulls the classifier binding of every key bound to the given
// classifier id, returning them to untrained shape. Used by the expiry sweep
// and by stale-record cleanup.
func (b *Binder) Reset(ctx context.Context, classifierID string, ts time.Time) error {
	ids, err := b.keys.ResetByClassifier(ctx, classifierID, ts)
	if err != nil {
		return fmt.Errorf("scratch: resetting keys for classifier %s: %w", classifierID, err)
	}
	if b.cache != nil && len(ids) > 0 {
		b.cache.Invalidate(ctx, ids...)
	}
	return nil
}

// Classify scores input against the key's bound classifier. With no bound
// classifier, or when the backend reports the model gone, it answers with a
// uniformly random label from the project's label set, tagged random so UIs
// can distinguish a guess from a prediction.
func (b *Binder) Classify(ctx context.Context, keyID, input string) ([]backend.Classification, error) {
	key, err := b.Resolve(ctx, keyID)
	if err != nil {
		return nil, err
	}

	project, err := b.projects.GetProject(ctx, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("scratch: loading project %s: %w", key.ProjectID, err)
	}
	if project == nil {
		return nil, fmt.Errorf("scratch: project %s no longer exists", key.ProjectID)
	}

	client := b.backends.Lookup(key.ProjectType)
	if !key.Trained() || client == nil {
		return b.randomAnswer(project)
	}

	cred, err := b.creds.Resolve(ctx, *key.CredentialsID)
	if err != nil {
		if errors.Is(err, pool.ErrNoCredentials) {
			return b.randomAnswer(project)
		}
		return nil, err
	}

	results, err := client.Classify(ctx, cred, *key.ClassifierID, input)
	if err != nil {
		if pool.Classify(err) == pool.KindNotFound {
			b.logger.Info("classifier gone, answering randomly",
				"project", key.ProjectID,
				"classifier", *key.ClassifierID)
			return b.randomAnswer(project)
		}
		return nil, fmt.Errorf("scratch: classifying against %s: %w", *key.ClassifierID, err)
	}
	return results, nil
}

// randomAnswer picks one label uniformly at random. Confidence is the even
// split a guess deserves: round(100 / label count).
func (b *Binder) randomAnswer(project *models.Project) ([]backend.Classification, error) {
	if len(project.Labels) == 0 {
		return nil, fmt.Errorf("scratch: project %s has no labels to guess from", project.ID)
	}

	label := project.Labels[b.intn(len(project.Labels))]
	return []backend.Classification{{
		Label:        label,
		Confidence:   int(math.Round(100 / float64(len(project.Labels)))),
		Random:       true,
		ClassifiedAt: b.now().UTC(),
	}}, nil
}
