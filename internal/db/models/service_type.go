// Package models defines the persistent record types shared by the repositories
// and the orchestration components: credential sets, classifier records, tenant
// policies, scratch keys, and pending cleanup jobs.
package models

import "fmt"

// ServiceType identifies one class of external training backend. The set is
// closed: every credential set, classifier record, and project carries exactly
// one of these values.
type ServiceType string

const (
	ServiceText    ServiceType = "text"
	ServiceImages  ServiceType = "images"
	ServiceNumbers ServiceType = "numbers"
	ServiceSounds  ServiceType = "sounds"
)

// TrainableServiceTypes are the service types for which classifiers are trained
// server-side and therefore consume pooled credentials. Sound models are trained
// entirely in the browser and never reach a backend.
var TrainableServiceTypes = []ServiceType{ServiceText, ServiceImages, ServiceNumbers}

// ParseServiceType validates a service type string from an API request or a
// database row.
func ParseServiceType(s string) (ServiceType, error) {
	switch ServiceType(s) {
	case ServiceText, ServiceImages, ServiceNumbers, ServiceSounds:
		return ServiceType(s), nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}
