package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/classml/classml/internal/db/models"
)

var policyCols = []string{
	"tenant_id", "supported_types", "max_users", "max_projects_per_user",
	"text_retention_hours", "image_retention_hours", "disruptive", "updated_at",
}

func newPolicyRepo(t *testing.T) (*PolicyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPolicyRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestGetPolicy_Found(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	mock.ExpectQuery("SELECT.*FROM tenant_policies.*WHERE tenant_id").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(policyCols).
			AddRow("tenant-1", "text,images", 25, 3, 48, 12, true, time.Now()))

	policy, err := repo.GetPolicy(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !policy.Disruptive {
		t.Error("Disruptive = false, want true")
	}
	if policy.ImageRetentionHours != 12 {
		t.Errorf("ImageRetentionHours = %d, want 12", policy.ImageRetentionHours)
	}
	if len(policy.SupportedTypes) != 2 {
		t.Errorf("SupportedTypes = %v, want text and images", policy.SupportedTypes)
	}
}

func TestGetPolicy_MissingRowFallsBackToDefault(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	mock.ExpectQuery("SELECT.*FROM tenant_policies").
		WillReturnRows(sqlmock.NewRows(policyCols))

	policy, err := repo.GetPolicy(context.Background(), "tenant-new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.MaxUsers != 30 {
		t.Errorf("MaxUsers = %d, want the default 30", policy.MaxUsers)
	}
	if policy.Disruptive {
		t.Error("default policy must not be disruptive")
	}
}

func TestUpsertPolicy(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	mock.ExpectExec("INSERT INTO tenant_policies.*ON CONFLICT").
		WithArgs("tenant-1", "text,images", 25, 3, 48, 12, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	policy := &models.TenantPolicy{
		TenantID:            "tenant-1",
		SupportedTypes:      []models.ServiceType{models.ServiceText, models.ServiceImages},
		MaxUsers:            25,
		MaxProjectsPerUser:  3,
		TextRetentionHours:  48,
		ImageRetentionHours: 12,
		Disruptive:          true,
	}
	if err := repo.UpsertPolicy(context.Background(), policy); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if policy.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on write")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
