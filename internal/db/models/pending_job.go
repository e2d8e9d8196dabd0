// pending_job.go defines the PendingJob model and the closed set of deferred
// cleanup job types, together with the payload spec types each job carries.
// Jobs are created transactionally alongside whatever user action makes an
// external object orphan-prone, and deleted only after the cleanup succeeds.
package models

import (
	"encoding/json"
	"time"
)

// JobType identifies which cleanup operation a pending job runs. The numeric
// values are persisted and must never be reused for a different operation;
// add new types at the end.
type JobType int

const (
	JobDeleteObject JobType = iota + 1
	JobDeleteProjectMedia
	JobDeleteUserMedia
	JobDeleteClassMedia
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t >= JobDeleteObject && t <= JobDeleteClassMedia
}

func (t JobType) String() string {
	switch t {
	case JobDeleteObject:
		return "delete-object"
	case JobDeleteProjectMedia:
		return "delete-project-media"
	case JobDeleteUserMedia:
		return "delete-user-media"
	case JobDeleteClassMedia:
		return "delete-class-media"
	}
	return "unknown"
}

// ParseJobType maps a job type name back to its JobType.
func ParseJobType(s string) (JobType, bool) {
	for t := JobDeleteObject; t <= JobDeleteClassMedia; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Pending job statuses. Jobs stay "pending" across failed attempts; a job
// that exceeds the max-attempts threshold is parked as "poison" and excluded
// from future drains until an operator intervenes.
const (
	JobStatusPending = "pending"
	JobStatusPoison  = "poison"
)

// PendingJob is one persisted deferred cleanup instruction.
type PendingJob struct {
	ID      string
	Type    JobType
	Payload json.RawMessage
	// Attempts counts completed, failed executions. A job interrupted before
	// its operation ran does not consume an attempt.
	Attempts    int
	LastAttempt *time.Time
	Status      string
	CreatedAt   time.Time
}

// ObjectSpec locates a single stored training-media object.
type ObjectSpec struct {
	TenantID  string `json:"classid"`
	UserID    string `json:"userid"`
	ProjectID string `json:"projectid"`
	ObjectID  string `json:"objectid"`
}

// ProjectSpec locates all stored media for one project.
type ProjectSpec struct {
	TenantID  string `json:"classid"`
	UserID    string `json:"userid"`
	ProjectID string `json:"projectid"`
}

// UserSpec locates all stored media for one user.
type UserSpec struct {
	TenantID string `json:"classid"`
	UserID   string `json:"userid"`
}

// ClassSpec locates all stored media for one tenant.
type ClassSpec struct {
	TenantID string `json:"classid"`
}
