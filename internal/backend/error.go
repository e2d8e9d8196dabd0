// error.go defines the typed error every backend client returns for non-2xx
// responses. The pool package classifies these into retry categories by
// backend name and machine-readable code, never by message text.
package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure reported by an external training service.
type Error struct {
	// Backend names the service that produced the error ("conv", "visrec",
	// "numbers"); together with Code it keys the pool's classification table.
	Backend    string
	StatusCode int
	// Code is the backend's machine-readable error code, when one was sent.
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s backend: %s (%s, HTTP %d)", e.Backend, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s backend: %s (HTTP %d)", e.Backend, e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a backend Error for a missing resource.
// Used on the delete path, where a missing classifier counts as success.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.StatusCode == http.StatusNotFound
}
