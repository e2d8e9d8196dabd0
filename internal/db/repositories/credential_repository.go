// Package repositories implements database access for the orchestration
// layer's persistent records. One repository type per aggregate, raw SQL over
// database/sql, context on every call. Secrets stored through these
// repositories are already encrypted; decryption happens in the pool
// allocator, never here.
//
// credential_repository.go provides queries over the per-tenant credential
// pools: the full pool for a (tenant, service type) pair, single-credential
// lookup, and admin create/revoke.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/classml/classml/internal/db/models"
)

// CredentialRepository handles credential pool database operations.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, tenant_id, service_type, url, creds_type, username, password, api_key, expiry_class, created_at`

// GetCredentialPool returns every credential set a tenant holds for one
// service type, in insertion order. Shuffling is the allocator's job.
func (r *CredentialRepository) GetCredentialPool(ctx context.Context, tenantID string, serviceType models.ServiceType) ([]*models.CredentialSet, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE tenant_id = $1 AND service_type = $2
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, serviceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pool []*models.CredentialSet
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		pool = append(pool, cred)
	}
	return pool, rows.Err()
}

// GetCredentialsByID retrieves a single credential set, or nil when unknown.
func (r *CredentialRepository) GetCredentialsByID(ctx context.Context, id string) (*models.CredentialSet, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE id = $1
	`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// CreateCredentials inserts an administrator-supplied credential set. Secret
// fields must already be encrypted by the caller.
func (r *CredentialRepository) CreateCredentials(ctx context.Context, cred *models.CredentialSet) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.CreatedAt = time.Now()

	query := `
		INSERT INTO credentials (id, tenant_id, service_type, url, creds_type, username, password, api_key, expiry_class, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		cred.ID,
		cred.TenantID,
		cred.ServiceType,
		cred.URL,
		cred.CredsType,
		nullableString(cred.Username),
		nullableString(cred.Password),
		nullableString(cred.APIKey),
		cred.ExpiryClass,
		cred.CreatedAt,
	)
	return err
}

// DeleteCredentials removes a revoked credential set.
func (r *CredentialRepository) DeleteCredentials(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	return err
}

// DeleteCredentialsForTenant removes every credential set owned by a tenant.
// Called when the tenant itself is deleted.
func (r *CredentialRepository) DeleteCredentialsForTenant(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = $1`, tenantID)
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.CredentialSet, error) {
	cred := &models.CredentialSet{}
	var username, password, apiKey sql.NullString

	err := row.Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.ServiceType,
		&cred.URL,
		&cred.CredsType,
		&username,
		&password,
		&apiKey,
		&cred.ExpiryClass,
		&cred.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.Username = username.String
	cred.Password = password.String
	cred.APIKey = apiKey.String
	return cred, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
