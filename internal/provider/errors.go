package provider

import (
	"errors"
	"fmt"
)

// AuthError means the provider rejected the subject's authorization or does not know it.
// It is never retried; the caller revokes the connection source.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider rejected authorization (%d): %s", e.StatusCode, e.Body)
}

// UnavailableError means the provider could not answer right now: rate limiting,
// a server error, a transport failure or a timeout.
type UnavailableError struct {
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider unavailable (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is or wraps an *AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUnavailable reports whether err is or wraps an *UnavailableError
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
