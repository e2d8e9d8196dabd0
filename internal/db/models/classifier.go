// classifier.go defines the ClassifierRecord model: the authoritative local
// record of one classifier resource living in an external training backend.
// There is at most one record per (project, service type) pair.
package models

import "time"

// ClassifierStatus is the three-state training status surfaced to callers,
// plus NonExistent for records whose backend resource has disappeared.
type ClassifierStatus string

const (
	StatusTraining    ClassifierStatus = "Training"
	StatusAvailable   ClassifierStatus = "Available"
	StatusFailed      ClassifierStatus = "Failed"
	StatusNonExistent ClassifierStatus = "Non Existent"
	// StatusUntrained is never persisted; it is the answer for projects with
	// no classifier record at all.
	StatusUntrained ClassifierStatus = "Untrained"
)

// ClassifierRecord tracks a classifier created on an external backend.
//
// ExpiresAt is computed once at write time from the tenant policy in effect at
// that moment (created/updated + retention hours). It is deliberately NOT
// re-derived from a live policy lookup on read: changing a tenant's retention
// only affects classifiers trained after the change.
type ClassifierRecord struct {
	ID          string
	ProjectID   string
	UserID      string
	TenantID    string
	ServiceType ServiceType
	// ClassifierID is the backend's identifier for the trained model.
	ClassifierID string
	// CredentialsID references the CredentialSet used to create the
	// classifier. Updates are pinned to this credential set.
	CredentialsID string
	Name          string
	Status        ClassifierStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	// Version supports compare-and-swap updates so concurrent retrains of the
	// same project fail with a conflict instead of silently interleaving.
	Version int
}

// Expired reports whether the record's retention window has passed.
func (c *ClassifierRecord) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}
