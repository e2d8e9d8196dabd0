// project.go defines the slice of the project record that the orchestration
// layer needs: identity, service type, and the label set used both for
// training payloads and for the random-answer classification fallback.
package models

import "time"

// Project is a student project as seen by the training orchestration layer.
// Project CRUD itself lives with the wider platform; this model carries only
// what training, status, and classification need.
type Project struct {
	ID       string
	Name     string
	Type     ServiceType
	TenantID string
	UserID   string
	// Language is passed through to text backends at training time.
	Language  string
	Labels    []string
	CreatedAt time.Time
}
