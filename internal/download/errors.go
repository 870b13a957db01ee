package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// AuthRequiredError is returned when the server answers 401. Gated registries
// need a token; retrying without one cannot succeed.
type AuthRequiredError struct{ URL string }

func (e *AuthRequiredError) Error() string { return "authentication required: " + e.URL }

// IsAuthRequired reports whether err (or anything it wraps) is an AuthRequiredError.
func IsAuthRequired(err error) bool {
	var ae *AuthRequiredError
	return errors.As(err, &ae)
}

// Error describes a failed request. StatusCode is zero for transport failures,
// in which case Err holds the cause.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: 5xx, 408, 429 and
// transport failures. Cancellation by the caller is never transient.
func IsTransient(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch {
	case de.StatusCode >= 500:
		return true
	case de.StatusCode == http.StatusRequestTimeout, de.StatusCode == http.StatusTooManyRequests:
		return true
	case de.StatusCode == 0:
		return de.Err != nil && !errors.Is(de.Err, context.Canceled)
	}
	return false
}
