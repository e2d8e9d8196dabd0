// project_repository.go implements ProjectRepository, the orchestration
// layer's read path into project records. Labels are stored as a
// comma-separated column; the classification fallback and training payloads
// both read them through here.
package repositories

import (
	"context"
	"database/sql"
	"strings"

	"github.com/classml/classml/internal/db/models"
)

// ProjectRepository handles project database reads.
type ProjectRepository struct {
	db *sql.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// GetProject retrieves a project by id, or nil when unknown.
func (r *ProjectRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, name, type, tenant_id, user_id, language, labels, created_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	var labels string

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.Name,
		&project.Type,
		&project.TenantID,
		&project.UserID,
		&project.Language,
		&labels,
		&project.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if labels != "" {
		for _, label := range strings.Split(labels, ",") {
			if label = strings.TrimSpace(label); label != "" {
				project.Labels = append(project.Labels, label)
			}
		}
	}
	return project, nil
}
