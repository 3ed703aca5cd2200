package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure. Callers should branch on kind via
// errors.Is against the sentinel values below rather than on messages.
type ErrorKind string

// Error kinds
const (
	KindConfig       ErrorKind = "config"
	KindAuth         ErrorKind = "auth"
	KindValidation   ErrorKind = "validation"
	KindTranslation  ErrorKind = "translation"
	KindRateLimit    ErrorKind = "rate_limit"
	KindTransient    ErrorKind = "transient"
	KindTimeout      ErrorKind = "timeout"
	KindNotFound     ErrorKind = "not_found"
	KindBackend      ErrorKind = "backend"
	KindAggregateCap ErrorKind = "aggregate_cap"
)

// Sentinel errors, one per kind. An *Error matches the sentinel of its Kind.
var (
	ErrConfig       = errors.New("configuration error")
	ErrAuth         = errors.New("authentication error")
	ErrValidation   = errors.New("validation error")
	ErrTranslation  = errors.New("query translation error")
	ErrRateLimit    = errors.New("rate limited")
	ErrTransient    = errors.New("transient network error")
	ErrTimeout      = errors.New("timeout")
	ErrNotFound     = errors.New("not found")
	ErrBackend      = errors.New("backend error")
	ErrAggregateCap = errors.New("aggregate row cap exceeded")
)

var kindSentinels = map[ErrorKind]error{
	KindConfig:       ErrConfig,
	KindAuth:         ErrAuth,
	KindValidation:   ErrValidation,
	KindTranslation:  ErrTranslation,
	KindRateLimit:    ErrRateLimit,
	KindTransient:    ErrTransient,
	KindTimeout:      ErrTimeout,
	KindNotFound:     ErrNotFound,
	KindBackend:      ErrBackend,
	KindAggregateCap: ErrAggregateCap,
}

// Error is the structured error surfaced by every operation. Connection,
// System and Operation are filled in as the error travels up through the
// engine; Status and Code carry the backend's native HTTP status and error
// code when one exists.
type Error struct {
	Kind       ErrorKind  `json:"kind"`
	Connection string     `json:"connection,omitempty"`
	System     SystemKind `json:"system,omitempty"`
	Operation  string     `json:"operation,omitempty"`
	Status     int        `json:"status,omitempty"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message"`
	Err        error      `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Connection != "" {
		fmt.Fprintf(&b, " [%s", e.Connection)
		if e.System != "" {
			fmt.Fprintf(&b, "/%s", e.System)
		}
		b.WriteString("]")
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " %s", e.Operation)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil && e.Message != e.Err.Error() {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends work.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the kind is one the transport retries.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimit
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ValidationErrorf is shorthand for a validation error.
func ValidationErrorf(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

// ConfigErrorf is shorthand for a configuration error.
func ConfigErrorf(format string, args ...any) *Error {
	return NewError(KindConfig, format, args...)
}

// TranslationErrorf is shorthand for a query translation error.
func TranslationErrorf(format string, args ...any) *Error {
	return NewError(KindTranslation, format, args...)
}

// AsError extracts an *Error from err, if there is one in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err carries no *Error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// Annotate fills in connection, system and operation on the *Error in
// err's chain without overwriting values already set closer to the source.
// Errors with no *Error in the chain are wrapped as backend errors.
func Annotate(err error, connection string, system SystemKind, operation string) error {
	if err == nil {
		return nil
	}
	e, ok := AsError(err)
	if !ok {
		e = &Error{Kind: KindBackend, Message: err.Error(), Err: err}
		err = e
	}
	if e.Connection == "" {
		e.Connection = connection
	}
	if e.System == "" {
		e.System = system
	}
	if e.Operation == "" {
		e.Operation = operation
	}
	return err
}
