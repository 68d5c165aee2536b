// Package apperr defines the error taxonomy shared by every component.
//
// Components translate whatever their collaborators return into one of
// these kinds at their boundary; callers further up the stack should
// only ever need to switch on Kind, never on the wrapped cause.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error the way callers need to react to it.
type Kind int

const (
	// Internal is an opaque failure; never explained to callers.
	Internal Kind = iota
	// NotFound means the entity does not exist. Never used on public
	// login surfaces, which must return Unauthenticated uniformly.
	NotFound
	// Conflict is a uniqueness or linking conflict.
	Conflict
	// InvalidArgument is a policy violation with a machine-readable field code.
	InvalidArgument
	// Unauthenticated means the caller presented no or bad credentials.
	Unauthenticated
	// Forbidden means the caller is known but lacks authority.
	Forbidden
	// TooManyAttempts means the caller was throttled.
	TooManyAttempts
	// Locked means the account is locked out.
	Locked
	// OptimisticConflict is internal-only: retried, never surfaced raw.
	OptimisticConflict
	// External means a breach/geo/CAPTCHA collaborator failed.
	External
	// ServiceUnavailable is the user-facing mapping of a failed External
	// call on a user-blocking path.
	ServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InvalidArgument:
		return "invalid_argument"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case TooManyAttempts:
		return "too_many_attempts"
	case Locked:
		return "locked"
	case OptimisticConflict:
		return "optimistic_conflict"
	case External:
		return "external"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal"
	}
}

// Error is the single error type every component boundary returns.
type Error struct {
	Kind Kind
	// Message is safe to show to the caller.
	Message string
	// Field is set for InvalidArgument errors with a machine-readable code.
	Field string
	// RetryAfter is set for TooManyAttempts and Locked errors.
	RetryAfter time.Duration
	// Cause is the wrapped underlying error, never surfaced verbatim to
	// end users but available via errors.Unwrap for logging.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, apperr.New(Kind, "")) style comparisons by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField attaches a machine-readable field code, typically to an
// InvalidArgument error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithRetryAfter attaches a retry-after hint, typically to a
// TooManyAttempts or Locked error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind of err, defaulting to Internal if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
