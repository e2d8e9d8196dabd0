// tenant_policy.go defines the TenantPolicy model: per-tenant limits and
// retention settings, with a system-wide default applied when a tenant has no
// explicit policy row.
package models

import "time"

// TenantPolicy holds the administrative limits for one tenant (an isolated
// classroom scope). Read-mostly; mutated only by administrative action.
type TenantPolicy struct {
	TenantID           string
	SupportedTypes     []ServiceType
	MaxUsers           int
	MaxProjectsPerUser int
	// Retention windows are tracked separately for text and image classifiers
	// because the backing services have very different capacity economics.
	TextRetentionHours  int
	ImageRetentionHours int
	// Disruptive marks a known-noisy tenant whose operator alerts are
	// suppressed to avoid alert fatigue. Failures are still logged and still
	// surfaced to the tenant; only the paging channel is muted.
	Disruptive bool
	UpdatedAt  time.Time
}

// DefaultTenantPolicy returns the system-wide policy applied to tenants
// without an explicit policy row.
func DefaultTenantPolicy(tenantID string) *TenantPolicy {
	return &TenantPolicy{
		TenantID:            tenantID,
		SupportedTypes:      []ServiceType{ServiceText, ServiceImages, ServiceNumbers, ServiceSounds},
		MaxUsers:            30,
		MaxProjectsPerUser:  2,
		TextRetentionHours:  24,
		ImageRetentionHours: 24,
	}
}

// RetentionHours returns the retention window for the given service type.
// Service types without an expiring backend resource get the text window,
// which only matters if such a record is ever written.
func (p *TenantPolicy) RetentionHours(st ServiceType) time.Duration {
	hours := p.TextRetentionHours
	if st == ServiceImages {
		hours = p.ImageRetentionHours
	}
	return time.Duration(hours) * time.Hour
}

// Supports reports whether the tenant may create projects of the given type.
func (p *TenantPolicy) Supports(st ServiceType) bool {
	for _, t := range p.SupportedTypes {
		if t == st {
			return true
		}
	}
	return false
}
