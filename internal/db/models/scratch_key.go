// scratch_key.go defines the ScratchKey model: the capability token handed to
// block-based coding tools. A key binds a project to its currently-usable
// classifier and credentials; an unbound key still works, with classification
// falling back to random-label mode.
package models

import "time"

// ScratchKey is a capability token for the simplified classification API.
// At most one live key exists per (owner, project) tuple; the binder looks up
// before insert so retraining never duplicates keys.
type ScratchKey struct {
	ID          string
	ProjectID   string
	ProjectName string
	ProjectType ServiceType
	TenantID    string
	// UserID is the owner of the project the key exposes.
	UserID string
	// ClassifierID and CredentialsID are nil while the project has no trained
	// classifier. They are reset to nil by the expiry sweep.
	ClassifierID  *string
	CredentialsID *string
	UpdatedAt     time.Time
}

// Trained reports whether the key is bound to a live classifier.
func (k *ScratchKey) Trained() bool {
	return k.ClassifierID != nil && *k.ClassifierID != ""
}
