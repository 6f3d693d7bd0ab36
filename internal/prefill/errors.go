package prefill

import (
	"errors"
	"fmt"
)

// Kind names a failure condition callers are expected to tell apart.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindUnauthorized     Kind = "unauthorized"
	KindExpired          Kind = "expired"
	KindInvalidState     Kind = "invalid_state"
	KindConflict         Kind = "conflict"
	KindInvalidReference Kind = "invalid_reference"
	KindInvalidPayload   Kind = "invalid_payload"
)

// Error is a domain failure with a stable Kind. Infrastructure failures are
// returned as plain wrapped errors instead.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("prefill: %s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind carried by err, or "" if err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
