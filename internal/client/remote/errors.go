package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the service rejects the stored token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoRefreshToken is returned by Refresh when no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")

	errMalformed = errors.New("malformed session response")
)

// NetworkError is a transient failure talking to the identity service:
// transport errors, 5xx answers and unreadable bodies. Callers treat it as
// "try again later", never as a sign-out.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a NetworkError.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
