// Failure classification. The mapping is an explicit, versioned table keyed
// by backend name and machine-readable error code, with status-code defaults
// for codes the table does not know. Message text is never matched.

package pool

import (
	"errors"
	"net/http"

	"github.com/classml/classml/internal/backend"
)

// Kind is the failure category that drives retry policy.
type Kind int

const (
	// KindUnknown is terminal and operator-actionable: stop, log with
	// context, and alert (unless the tenant is muted).
	KindUnknown Kind = iota
	// KindCapacityExhausted means the credential's plan is out of model
	// slots. Pool-retryable: try the next credential set.
	KindCapacityExhausted
	// KindRateLimited means the backend is throttling this credential.
	// Pool-retryable on the create path.
	KindRateLimited
	// KindCredentialsRejected means the stored secrets are wrong or revoked.
	// Terminal and tenant-actionable.
	KindCredentialsRejected
	// KindNotFound means the referenced classifier no longer exists on the
	// backend. Self-healing: the stale local record is deleted.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindCapacityExhausted:
		return "capacity"
	case KindRateLimited:
		return "rate_limited"
	case KindCredentialsRejected:
		return "credentials"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// PoolRetryable reports whether a failure of this kind should move on to the
// next candidate credential set rather than stop.
func (k Kind) PoolRetryable() bool {
	return k == KindCapacityExhausted || k == KindRateLimited
}

// MappingVersion identifies the error-code table below. Bump it whenever a
// backend contract change adds or reinterprets codes, and extend the recorded
// response fixtures in classify_test.go to match.
const MappingVersion = 3

type mapKey struct {
	backend string
	code    string
}

// codeTable maps known backend error codes to kinds. Codes were collected
// from recorded real responses of each backend.
var codeTable = map[mapKey]Kind{
	// conversational text service
	{"conv", "plan_limit_reached"}:  KindCapacityExhausted,
	{"conv", "workspace_quota"}:     KindCapacityExhausted,
	{"conv", "rate_limit"}:          KindRateLimited,
	{"conv", "invalid_api_key"}:     KindCredentialsRejected,
	{"conv", "workspace_not_found"}: KindNotFound,

	// visual recognition service
	{"visrec", "classifier_limit"}:   KindCapacityExhausted,
	{"visrec", "rate_limit"}:         KindRateLimited,
	{"visrec", "key_invalid"}:        KindCredentialsRejected,
	{"visrec", "classifier_unknown"}: KindNotFound,

	// numeric training service
	{"numbers", "model_quota"}: KindCapacityExhausted,
	{"numbers", "throttled"}:   KindRateLimited,
}

// Classify assigns a failure kind to err. Non-backend errors (network
// failures, timeouts, decode errors) are KindUnknown.
func Classify(err error) Kind {
	var be *backend.Error
	if !errors.As(err, &be) {
		return KindUnknown
	}

	if kind, ok := codeTable[mapKey{be.Backend, be.Code}]; ok {
		return kind
	}

	// Status-code defaults for codes the table does not know.
	switch be.StatusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindCredentialsRejected
	case http.StatusNotFound:
		return KindNotFound
	}
	return KindUnknown
}
