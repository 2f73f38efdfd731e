// Package apperror defines the error taxonomy shared by the orchestrator, the gateways and
// the HTTP layer. Every failure that reaches a caller is one of a small set of kinds, each
// with a fixed HTTP status class; gateway failures keep the status the upstream returned.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindBadRequest
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to callers; Err carries the
// underlying cause for logs only.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports an absent organization, user, role or device.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports an authorization denial.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a uniqueness violation.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// BadRequest reports a validation failure.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The cause is never rendered to callers.
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream reports an external gateway failure. The status is passed through to the caller;
// a zero status (transport error, timeout) becomes 502.
func Upstream(status int, err error, format string, args ...any) *Error {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &Error{Kind: KindUpstream, Status: status, Message: fmt.Sprintf(format, args...), Err: err}
}

// FromStatus classifies a non-success status returned by a gateway, keeping the status.
func FromStatus(status int, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Message: msg}
	case status == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Status: status, Message: msg}
	case status == http.StatusConflict:
		return &Error{Kind: KindConflict, Status: status, Message: msg}
	case status >= 400 && status < 500:
		return &Error{Kind: KindBadRequest, Status: status, Message: msg}
	default:
		return Upstream(status, nil, "%s", msg)
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// StatusOf returns the HTTP status for err; unclassified errors are 500.
func StatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
