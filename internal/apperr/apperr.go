package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a rejection so transports can map it to a status code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindIllegalMove Kind = "illegal_move"
	KindClosed      Kind = "outside_window" // matching for the kind is closed right now
	KindInternal    Kind = "internal"
)

// Error is a typed rejection with a user-visible reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrPermission  = &Error{Kind: KindPermission}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrIllegalMove = &Error{Kind: KindIllegalMove}
)

func Validation(reason string) *Error  { return &Error{Kind: KindValidation, Reason: reason} }
func NotFound(reason string) *Error    { return &Error{Kind: KindNotFound, Reason: reason} }
func Permission(reason string) *Error  { return &Error{Kind: KindPermission, Reason: reason} }
func Conflict(reason string) *Error    { return &Error{Kind: KindConflict, Reason: reason} }
func IllegalMove(reason string) *Error { return &Error{Kind: KindIllegalMove, Reason: reason} }
func Closed(reason string) *Error      { return &Error{Kind: KindClosed, Reason: reason} }

// Unavailable wraps a backing-store failure.
func Unavailable(reason string, err error) *Error {
	return &Error{Kind: KindUnavailable, Reason: reason, Err: err}
}

// Internal wraps an unexpected failure such as a corrupt record.
func Internal(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Reason returns the user-visible reason of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code used by the REST handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission, KindClosed:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindIllegalMove:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
