// classifier_repository.go implements ClassifierRepository, the authoritative
// store of classifier records: lookup by project, expiry queries for the
// sweep, and version-checked updates so concurrent retrains cannot interleave
// silently.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/classml/classml/internal/db/models"
)

// ErrConflict is returned by compare-and-swap updates when the stored version
// no longer matches the caller's copy. The caller should re-read and retry.
var ErrConflict = errors.New("repositories: record was modified concurrently")

// ClassifierRepository handles classifier record database operations.
type ClassifierRepository struct {
	db *sql.DB
}

// NewClassifierRepository creates a new ClassifierRepository.
func NewClassifierRepository(db *sql.DB) *ClassifierRepository {
	return &ClassifierRepository{db: db}
}

const classifierColumns = `id, project_id, user_id, tenant_id, service_type, classifier_id, credentials_id, name, status, created_at, updated_at, expires_at, version`

// GetByProject returns the classifier record for a (project, service type)
// pair, or nil when the project has never trained successfully.
func (r *ClassifierRepository) GetByProject(ctx context.Context, projectID string, serviceType models.ServiceType) (*models.ClassifierRecord, error) {
	query := `
		SELECT ` + classifierColumns + `
		FROM classifiers
		WHERE project_id = $1 AND service_type = $2
	`

	rec, err := scanClassifier(r.db.QueryRowContext(ctx, query, projectID, serviceType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByClassifierID finds the record holding a given backend classifier id,
// or nil when no record references it.
func (r *ClassifierRepository) GetByClassifierID(ctx context.Context, classifierID string) (*models.ClassifierRecord, error) {
	query := `
		SELECT ` + classifierColumns + `
		FROM classifiers
		WHERE classifier_id = $1
	`

	rec, err := scanClassifier(r.db.QueryRowContext(ctx, query, classifierID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindExpired returns all records of one service type whose retention window
// passed before now, oldest expiry first.
func (r *ClassifierRepository) FindExpired(ctx context.Context, serviceType models.ServiceType, now time.Time) ([]*models.ClassifierRecord, error) {
	query := `
		SELECT ` + classifierColumns + `
		FROM classifiers
		WHERE service_type = $1 AND expires_at < $2
		ORDER BY expires_at
	`

	rows, err := r.db.QueryContext(ctx, query, serviceType, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ClassifierRecord
	for rows.Next() {
		rec, err := scanClassifier(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Create inserts a new classifier record with version 1.
func (r *ClassifierRepository) Create(ctx context.Context, rec *models.ClassifierRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Version = 1

	query := `
		INSERT INTO classifiers (id, project_id, user_id, tenant_id, service_type, classifier_id, credentials_id, name, status, created_at, updated_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.ProjectID,
		rec.UserID,
		rec.TenantID,
		rec.ServiceType,
		rec.ClassifierID,
		rec.CredentialsID,
		rec.Name,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ExpiresAt,
		rec.Version,
	)
	return err
}

// Update writes status, timestamps, and expiry back to an existing record,
// guarded by the version the caller read. On success the caller's copy has
// its Version advanced; on a version mismatch ErrConflict is returned and
// nothing is written.
func (r *ClassifierRepository) Update(ctx context.Context, rec *models.ClassifierRecord) error {
	query := `
		UPDATE classifiers
		SET classifier_id = $1, status = $2, updated_at = $3, expires_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ClassifierID,
		rec.Status,
		rec.UpdatedAt,
		rec.ExpiresAt,
		rec.ID,
		rec.Version,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}

	rec.Version++
	return nil
}

// Delete removes a classifier record. Deleting an already-deleted record is
// not an error; the expiry sweep and not-found healing both rely on that.
func (r *ClassifierRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM classifiers WHERE id = $1`, id)
	return err
}

func scanClassifier(row rowScanner) (*models.ClassifierRecord, error) {
	rec := &models.ClassifierRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.UserID,
		&rec.TenantID,
		&rec.ServiceType,
		&rec.ClassifierID,
		&rec.CredentialsID,
		&rec.Name,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
