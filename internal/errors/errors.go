package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the session coordinator, the poller and the API layer
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrUnauthenticated    = errors.New("unauthenticated")

	// Backend errors
	ErrServer = errors.New("server error")

	// Polling errors
	ErrTimeout = errors.New("timed out waiting for order confirmation")

	// Storage errors
	ErrIncompleteCredential = errors.New("incomplete credential entries")
	ErrNotFound             = errors.New("not found")
)

// BackendError is a domain failure reported by the storefront backend in a
// well-formed response (code != 200). Message is the backend's own text.
type BackendError struct {
	Kind    error
	Code    int
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v (code %d)", e.Kind, e.Code)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error {
	return e.Kind
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is a passthrough to the standard library so callers only need one import
func New(text string) error {
	return errors.New(text)
}
