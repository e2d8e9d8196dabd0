// errors.go defines the typed training error surfaced to the API layer. The
// Kind carries the retry policy; the user message names the limiting resource
// without leaking backend internals.
package lifecycle

import (
	"fmt"

	"github.com/classml/classml/internal/pool"
)

// TrainError is a failed training submission after all applicable retries.
type TrainError struct {
	Kind pool.Kind
	// ModelLost marks the update-path case where the backend no longer knows
	// the classifier. The stale record has already been deleted; the tenant
	// must train a fresh model.
	ModelLost bool
	err       error
}

func newTrainError(kind pool.Kind, err error) *TrainError {
	return &TrainError{Kind: kind, err: err}
}

func (e *TrainError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("lifecycle: training failed (%s): %v", e.Kind, e.err)
	}
	return fmt.Sprintf("lifecycle: training failed (%s)", e.Kind)
}

func (e *TrainError) Unwrap() error {
	return e.err
}

// UserMessage is the actionable text shown to students and teachers. It names
// the limiting resource for capacity problems and the tenant administrator
// for credential problems; everything else gets a generic failure.
func (e *TrainError) UserMessage() string {
	if e.ModelLost {
		return "Your machine learning model could not be found. Please train a new one."
	}
	switch e.Kind {
	case pool.KindCapacityExhausted:
		return "Your class is already using the maximum number of machine learning models. Ask your teacher to add another API key."
	case pool.KindRateLimited:
		return "Your class is making too many requests to train machine learning models. Please wait a little while and try again."
	case pool.KindCredentialsRejected:
		return "The API keys set up for your class are not working. Please ask your teacher or class administrator to check them."
	}
	return "Sorry, your machine learning model could not be trained."
}
