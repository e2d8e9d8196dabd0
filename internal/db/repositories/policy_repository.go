// policy_repository.go implements PolicyRepository over sqlx. Tenant policies
// are read-mostly and flat, which is exactly the shape sqlx struct scanning
// handles well; a missing row yields the system-wide default policy rather
// than an error.
package repositories

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/classml/classml/internal/db/models"
)

// PolicyRepository handles tenant policy database operations.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// policyRow mirrors the tenant_policies table for sqlx scanning.
type policyRow struct {
	TenantID            string    `db:"tenant_id"`
	SupportedTypes      string    `db:"supported_types"`
	MaxUsers            int       `db:"max_users"`
	MaxProjectsPerUser  int       `db:"max_projects_per_user"`
	TextRetentionHours  int       `db:"text_retention_hours"`
	ImageRetentionHours int       `db:"image_retention_hours"`
	Disruptive          bool      `db:"disruptive"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// GetPolicy returns the policy for a tenant, falling back to the system-wide
// default when the tenant has no explicit policy row.
func (r *PolicyRepository) GetPolicy(ctx context.Context, tenantID string) (*models.TenantPolicy, error) {
	var row policyRow
	err := r.db.GetContext(ctx, &row,
		`SELECT tenant_id, supported_types, max_users, max_projects_per_user,
		        text_retention_hours, image_retention_hours, disruptive, updated_at
		 FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return models.DefaultTenantPolicy(tenantID), nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// UpsertPolicy writes an administrator-modified policy.
func (r *PolicyRepository) UpsertPolicy(ctx context.Context, policy *models.TenantPolicy) error {
	policy.UpdatedAt = time.Now()

	types := make([]string, len(policy.SupportedTypes))
	for i, t := range policy.SupportedTypes {
		types[i] = string(t)
	}

	row := policyRow{
		TenantID:            policy.TenantID,
		SupportedTypes:      strings.Join(types, ","),
		MaxUsers:            policy.MaxUsers,
		MaxProjectsPerUser:  policy.MaxProjectsPerUser,
		TextRetentionHours:  policy.TextRetentionHours,
		ImageRetentionHours: policy.ImageRetentionHours,
		Disruptive:          policy.Disruptive,
		UpdatedAt:           policy.UpdatedAt,
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO tenant_policies (tenant_id, supported_types, max_users, max_projects_per_user,
		                              text_retention_hours, image_retention_hours, disruptive, updated_at)
		 VALUES (:tenant_id, :supported_types, :max_users, :max_projects_per_user,
		         :text_retention_hours, :image_retention_hours, :disruptive, :updated_at)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET supported_types = EXCLUDED.supported_types,
		     max_users = EXCLUDED.max_users,
		     max_projects_per_user = EXCLUDED.max_projects_per_user,
		     text_retention_hours = EXCLUDED.text_retention_hours,
		     image_retention_hours = EXCLUDED.image_retention_hours,
		     disruptive = EXCLUDED.disruptive,
		     updated_at = EXCLUDED.updated_at`,
		row)
	return err
}

// DeletePolicy removes a tenant's policy row, restoring the default.
func (r *PolicyRepository) DeletePolicy(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	return err
}

func (row *policyRow) toModel() *models.TenantPolicy {
	policy := &models.TenantPolicy{
		TenantID:            row.TenantID,
		MaxUsers:            row.MaxUsers,
		MaxProjectsPerUser:  row.MaxProjectsPerUser,
		TextRetentionHours:  row.TextRetentionHours,
		ImageRetentionHours: row.ImageRetentionHours,
		Disruptive:          row.Disruptive,
		UpdatedAt:           row.UpdatedAt,
	}
	for _, part := range strings.Split(row.SupportedTypes, ",") {
		if st, err := models.ParseServiceType(strings.TrimSpace(part)); err == nil {
			policy.SupportedTypes = append(policy.SupportedTypes, st)
		}
	}
	return policy
}
