// Package apierr defines the error kinds shared by the controller, upload
// scheduler, and HTTP surface (spec §7), each mapping to one exit code
// family and one HTTP status family.
package apierr

import "fmt"

// Kind tags an error with the category the caller needs to react to.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidTransition Kind = "invalid_transition"
	KindPrecondition     Kind = "precondition"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindInvariant        Kind = "invariant"
	KindUpstream         Kind = "upstream"
	KindTimeout          Kind = "timeout"
)

// Error is a typed, kind-tagged error carrying a human message and
// optional structured details for the API envelope.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields, e.g. for validation errors
// naming the offending field.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func PermissionDenied(format string, args ...any) *Error { return New(KindPermissionDenied, format, args...) }
func InvalidTransition(format string, args ...any) *Error { return New(KindInvalidTransition, format, args...) }
func Precondition(format string, args ...any) *Error      { return New(KindPrecondition, format, args...) }
func Conflict(format string, args ...any) *Error          { return New(KindConflict, format, args...) }
func NotFound(format string, args ...any) *Error          { return New(KindNotFound, format, args...) }
func Invariant(format string, args ...any) *Error         { return New(KindInvariant, format, args...) }
func Upstream(format string, args ...any) *Error          { return New(KindUpstream, format, args...) }
func Timeout(format string, args ...any) *Error           { return New(KindTimeout, format, args...) }

// ExitCode maps a Kind to the process exit code families of spec §6:
// 0 success, 1 validation, 2 state, 3 I/O.
func (k Kind) ExitCode() int {
	switch k {
	case KindPrecondition, KindInvariant:
		return 1
	case KindInvalidTransition, KindConflict, KindPermissionDenied, KindNotFound:
		return 2
	case KindUpstream, KindTimeout:
		return 3
	default:
		return 1
	}
}

// HTTPStatus maps a Kind to its HTTP status family for the server's error
// envelope.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindPermissionDenied:
		return 403
	case KindNotFound:
		return 404
	case KindInvalidTransition, KindPrecondition, KindInvariant:
		return 400
	case KindConflict:
		return 409
	case KindTimeout:
		return 504
	case KindUpstream:
		return 502
	default:
		return 500
	}
}
