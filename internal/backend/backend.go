// Package backend defines the contract between the orchestration layer and
// the external training services. The wire format of each service is opaque to
// the rest of the codebase: components see only this interface and the typed
// Error that its implementations return, which is what the pool package's
// failure classification inspects.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/classml/classml/internal/db/models"
)

// TrainRequest carries everything a backend needs to create or update a
// classifier. Payload is the service-specific training document assembled by
// the caller; this package does not interpret it.
type TrainRequest struct {
	ProjectID string
	Name      string
	Language  string
	Labels    []string
	Payload   json.RawMessage
}

// TrainResult is the backend's answer to a training submission.
type TrainResult struct {
	ClassifierID string
	// Status is the backend's own status string; the lifecycle manager maps
	// it onto the three-state status surfaced to callers.
	Status    string
	CreatedAt time.Time
}

// Classification is one ranked entry from a classify call.
type Classification struct {
	Label string `json:"class_name"`
	// Confidence is a percentage in [0, 100].
	Confidence int `json:"confidence"`
	// Random marks an answer chosen by the random-label fallback rather than
	// a trained model, so UIs can visually distinguish a guess.
	Random       bool      `json:"random,omitempty"`
	ClassifiedAt time.Time `json:"classifierTimestamp"`
}

// Client is one external training service. Implementations exist per service
// type; every method call carries the fixed request timeout from
// configuration via its context.
type Client interface {
	// Train submits a create (classifierID empty) or update (classifierID
	// set) training request using the given credentials.
	Train(ctx context.Context, creds *models.CredentialSet, classifierID string, req *TrainRequest) (*TrainResult, error)

	// ProbeStatus asks the backend for the live status of a classifier.
	ProbeStatus(ctx context.Context, creds *models.CredentialSet, classifierID string) (string, error)

	// Classify scores input against a trained classifier.
	Classify(ctx context.Context, creds *models.CredentialSet, classifierID string, input string) ([]Classification, error)

	// Delete removes a classifier. Implementations return a NotFound Error
	// when the classifier is already gone; callers treat that as success.
	Delete(ctx context.Context, creds *models.CredentialSet, classifierID string) error
}

// Registry maps service types to their backend clients.
type Registry map[models.ServiceType]Client

// Lookup returns the client for a service type, or nil when the service type
// has no server-side backend (sounds train in the browser).
func (r Registry) Lookup(st models.ServiceType) Client {
	return r[st]
}
