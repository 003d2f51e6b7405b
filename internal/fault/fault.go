// Package fault defines the stable error kinds raised by the orchestrator
// core. Every surfaced error carries a kind, a short human-readable message,
// and a structured details payload; recoverable errors also carry suggested
// resolutions. Callers match kinds with errors.Is against the sentinel for
// that kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification.
type Kind string

// Error kinds raised by the core.
const (
	NotFound                 Kind = "NotFound"
	ValidationError          Kind = "ValidationError"
	IntegrityError           Kind = "IntegrityError"
	ConflictError            Kind = "ConflictError"
	Busy                     Kind = "Busy"
	LimitExceeded            Kind = "LimitExceeded"
	MissingMilestone         Kind = "MissingMilestone"
	UnknownTheme             Kind = "UnknownTheme"
	UnknownFlowReference     Kind = "UnknownFlowReference"
	StateTransitionForbidden Kind = "StateTransitionForbidden"
	ConcurrentTask           Kind = "ConcurrentTask"
	GitDirty                 Kind = "GitDirty"
	MergeConflict            Kind = "MergeConflict"
	ReconciliationRequired   Kind = "ReconciliationRequired"
	SessionExpired           Kind = "SessionExpired"
)

// Error is the concrete error value carried through the core. It wraps an
// optional cause and compares equal (via errors.Is) to any *Error with the
// same kind, so `errors.Is(err, fault.Sentinel(fault.Busy))` and kind
// sentinels both work.
type Error struct {
	Kind        Kind
	Message     string
	Details     map[string]any
	Resolutions []string
	cause       error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches one key to the structured details payload.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithResolutions attaches suggested next steps for recoverable errors.
func (e *Error) WithResolutions(res ...string) *Error {
	e.Resolutions = append(e.Resolutions, res...)
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Structured renders the error as a JSON-friendly payload for tool output.
func (e *Error) Structured() map[string]any {
	out := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		out["details"] = e.Details
	}
	if len(e.Resolutions) > 0 {
		out["resolutions"] = e.Resolutions
	}
	return out
}

// Is matches any *Error carrying the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// sentinels gives each kind one canonical value for errors.Is matching.
var sentinels = map[Kind]*Error{}

func init() {
	for _, k := range []Kind{
		NotFound, ValidationError, IntegrityError, ConflictError, Busy,
		LimitExceeded, MissingMilestone, UnknownTheme, UnknownFlowReference,
		StateTransitionForbidden, ConcurrentTask, GitDirty, MergeConflict,
		ReconciliationRequired, SessionExpired,
	} {
		sentinels[k] = &Error{Kind: k, Message: string(k)}
	}
}

// Sentinel returns the canonical error value for a kind, for use as the
// target of errors.Is.
func Sentinel(kind Kind) error {
	if s, ok := sentinels[kind]; ok {
		return s
	}
	return &Error{Kind: kind, Message: string(kind)}
}

// IsKind reports whether err is or wraps an error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the kind is transparently retried inside the
// Store (bounded backoff). All other kinds surface to the caller unaltered.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == ConflictError || k == Busy
}

// SidequestLimitResolutions are the four advisory resolutions returned with
// every LimitExceeded from sidequest creation.
var SidequestLimitResolutions = []string{"wait", "modify_existing", "replace", "raise_limit"}
