package geo

import (
	"context"
	"errors"
	"fmt"
)

type Code int

const (
	Unknown Code = iota
	PermissionDenied
	Unavailable
	Timeout
)

func (c Code) String() string {
	switch c {
	case PermissionDenied:
		return "permission_denied"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a categorized position acquisition failure.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "geo: " + e.Code.String()
	}
	return fmt.Sprintf("geo: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the text shown to the user for this category.
func (e *Error) UserMessage() string {
	switch e.Code {
	case PermissionDenied:
		return "User denied the request for Geolocation."
	case Unavailable:
		return "Location information is unavailable."
	case Timeout:
		return "The request to get user location timed out."
	default:
		return "An unknown error occurred."
	}
}

func NewError(code Code, err error) *Error { return &Error{Code: code, Err: err} }

// AsError categorizes any error returned by a Source. Deadline overruns map to
// Timeout, uncategorized errors to Unknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: Timeout, Err: err}
	}
	return &Error{Code: Unknown, Err: err}
}

// CodeOf returns the category of err, Unknown when err is not a geo error.
func CodeOf(err error) Code {
	if ge := AsError(err); ge != nil {
		return ge.Code
	}
	return Unknown
}
