// scratchkey_repository.go implements ScratchKeyRepository: lookup by key id
// and by (owner, project), plus the binding updates and classifier-wide
// resets the binder and the expiry sweep rely on.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/classml/classml/internal/db/models"
)

// ScratchKeyRepository handles scratch key database operations.
type ScratchKeyRepository struct {
	db *sql.DB
}

// NewScratchKeyRepository creates a new ScratchKeyRepository.
func NewScratchKeyRepository(db *sql.DB) *ScratchKeyRepository {
	return &ScratchKeyRepository{db: db}
}

const scratchKeyColumns = `id, project_id, project_name, project_type, tenant_id, user_id, classifier_id, credentials_id, updated_at`

// GetByID retrieves a scratch key by its token id, or nil when unknown.
func (r *ScratchKeyRepository) GetByID(ctx context.Context, id string) (*models.ScratchKey, error) {
	query := `
		SELECT ` + scratchKeyColumns + `
		FROM scratch_keys
		WHERE id = $1
	`

	key, err := scanScratchKey(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByProjectAndOwner retrieves the live key for an (owner, project) tuple,
// or nil when none exists yet. The binder calls this before every insert so a
// project never grows a second key.
func (r *ScratchKeyRepository) GetByProjectAndOwner(ctx context.Context, projectID, userID string) (*models.ScratchKey, error) {
	query := `
		SELECT ` + scratchKeyColumns + `
		FROM scratch_keys
		WHERE project_id = $1 AND user_id = $2
	`

	key, err := scanScratchKey(r.db.QueryRowContext(ctx, query, projectID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Create inserts a new scratch key.
func (r *ScratchKeyRepository) Create(ctx context.Context, key *models.ScratchKey) error {
	query := `
		INSERT INTO scratch_keys (id, project_id, project_name, project_type, tenant_id, user_id, classifier_id, credentials_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.ProjectID,
		key.ProjectName,
		key.ProjectType,
		key.TenantID,
		key.UserID,
		key.ClassifierID,
		key.CredentialsID,
		key.UpdatedAt,
	)
	return err
}

// UpdateBinding replaces a key's classifier binding in place.
func (r *ScratchKeyRepository) UpdateBinding(ctx context.Context, keyID string, classifierID, credentialsID *string, updated time.Time) error {
	query := `
		UPDATE scratch_keys
		SET classifier_id = $1, credentials_id = $2, updated_at = $3
		WHERE id = $4
	`

	_, err := r.db.ExecContext(ctx, query, classifierID, credentialsID, updated, keyID)
	return err
}

// ResetByClassifier nulls the binding on every key pointing at a classifier
// id and returns the ids of the keys it touched so caches can be invalidated.
// Used by the expiry sweep; classification through those keys falls back to
// random-label mode instead of erroring.
func (r *ScratchKeyRepository) ResetByClassifier(ctx context.Context, classifierID string, updated time.Time) ([]string, error) {
	query := `
		UPDATE scratch_keys
		SET classifier_id = NULL, credentials_id = NULL, updated_at = $1
		WHERE classifier_id = $2
		RETURNING id
	`

	rows, err := r.db.QueryContext(ctx, query, updated, classifierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a scratch key (project deletion path).
func (r *ScratchKeyRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scratch_keys WHERE id = $1`, id)
	return err
}

func scanScratchKey(row rowScanner) (*models.ScratchKey, error) {
	key := &models.ScratchKey{}
	var classifierID, credentialsID sql.NullString

	err := row.Scan(
		&key.ID,
		&key.ProjectID,
		&key.ProjectName,
		&key.ProjectType,
		&key.TenantID,
		&key.UserID,
		&classifierID,
		&credentialsID,
		&key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if classifierID.Valid {
		key.ClassifierID = &classifierID.String
	}
	if credentialsID.Valid {
		key.CredentialsID = &credentialsID.String
	}
	return key, nil
}
