// credential_set.go defines the CredentialSet model: one set of connection
// secrets for one external training backend, owned by a tenant. Many credential
// sets may exist per (tenant, service type); together they form the allocation
// pool that the pool package shuffles through.
package models

import "time"

// Credential auth flavours. Older backend plans authenticate with a
// username/password pair; current plans use a single API key.
const (
	CredsTypeAPIKey   = "apikey"
	CredsTypeUserPass = "userpass"
)

// CredentialSet holds connection secrets for one external training backend.
// Username, Password, and APIKey are stored AES-GCM encrypted at rest and are
// only decrypted by the pool allocator immediately before use.
type CredentialSet struct {
	ID          string
	TenantID    string
	ServiceType ServiceType
	// URL is the backend endpoint this credential set is valid for.
	URL string
	// CredsType selects the auth flavour: "apikey" or "userpass".
	CredsType string
	Username  string
	Password  string
	APIKey    string
	// ExpiryClass labels the backend plan this credential is on, which decides
	// how aggressively classifiers created with it are retired (e.g. trial
	// plans delete models after hours, standard plans after days).
	ExpiryClass string
	CreatedAt   time.Time
}
