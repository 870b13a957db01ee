package manager

import "errors"

var (
	// ErrInvalidOperation is returned when a model is not in a state that
	// allows the requested operation.
	ErrInvalidOperation = errors.New("invalid operation for model state")
	// ErrDisposed is returned when released resources are used.
	ErrDisposed = errors.New("model resources disposed")
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for a model id the manager does not know.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du)
}

// sinkError wraps failures of the caller's token callback; they end the
// request and are never retried.
type sinkError struct{ err error }

func (e sinkError) Error() string { return "token sink: " + e.err.Error() }
func (e sinkError) Unwrap() error { return e.err }
