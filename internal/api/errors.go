package api

import (
	"errors"
	"fmt"
)

// ErrUnauthorized matches any *AuthError via errors.Is.
var ErrUnauthorized = errors.New("api: unauthorized")

// NetworkError is a REST call that failed in transport or returned a
// non-success status other than 401.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a 401 from the REST boundary. The session has already been
// invalidated when it is returned.
type AuthError struct {
	Op     string
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "api " + e.Op + ": unauthorized"
	}
	return "api " + e.Op + ": unauthorized: " + e.Detail
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }
