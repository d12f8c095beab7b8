package printer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies adapter failures so callers can branch on the class
// instead of matching message text.
type ErrorKind string

const (
	// KindNotFound: the referenced printer, file or job does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTransient: worth retrying (timeout, reset, 5xx, mid-parse failure).
	KindTransient ErrorKind = "transient"
	// KindFatal: retrying will not help (auth, malformed request, other 4xx).
	KindFatal ErrorKind = "fatal"
	// KindSafety: a safety-relevant operation failed or was refused.
	KindSafety ErrorKind = "safety"
)

// Error is the structured error returned by adapter operations. Message is
// the human-readable detail; Hints carry remediation suggestions surfaced on
// connect failures (check network, firmware setting, port).
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Hints   []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Hints) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Hints, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error of the given kind.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError builds an adapter error wrapping an underlying cause.
func WrapError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err. Unclassified errors report
// KindFatal: retrying an unknown failure is never assumed safe.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

// IsNotFound reports whether err is a KindNotFound adapter error.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindNotFound
}

// IsTransient reports whether err is a KindTransient adapter error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransient
}
