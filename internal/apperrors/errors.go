// Package apperrors defines the closed set of error kinds surfaced by the
// orchestrator core, and the small amount of plumbing used to carry them
// from a failing syscall or library call up through a script frame, the
// lifecycle manager, and finally the RPC surface without losing context.
//
// Every exported function in this module that can fail returns an *Error
// rather than a bare error; an *Error wraps a kv.Error
// (github.com/jjeffery/kv) annotated with a go-stack trace, following the
// convention used
// throughout the teacher runner's internal/runner package.
package apperrors

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// Kind is the closed set of error kinds a Result or transition failure may
// carry. New kinds must not be added without updating every switch over
// Kind in the lifecycle and RPC packages.
type Kind string

const (
	KindUnknownMethod      Kind = "unknown-method"
	KindScriptParse        Kind = "script-parse"
	KindUnboundVariable    Kind = "unbound-variable"
	KindPathEscape         Kind = "path-escape"
	KindCloneFailed        Kind = "clone-failed"
	KindDownloadFailed     Kind = "download-failed"
	KindArchiveInvalid     Kind = "archive-invalid"
	KindVenvFailed         Kind = "venv-failed"
	KindShellNonZero       Kind = "shell-nonzero"
	KindTimeout            Kind = "timeout"
	KindReadinessTimeout   Kind = "readiness-timeout"
	KindPortBusy           Kind = "port-busy"
	KindTunnelOpenFailed   Kind = "tunnel-open-failed"
	KindTunnelDead         Kind = "tunnel-dead"
	KindInputCancelled     Kind = "input-cancelled"
	KindIllegalState       Kind = "illegal-state"
	KindDiskFull           Kind = "disk-full"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// recoverableLocally is the set of kinds §7 of the spec says are recovered
// locally by their owning component (next port, next provider) rather than
// ever being surfaced as a terminal frame/transition failure by themselves.
var recoverableLocally = map[Kind]bool{
	KindPortBusy:   true,
	KindTunnelDead: true,
}

// RecoveredLocally reports whether a kind is one the owning component is
// expected to retry internally before ever surfacing a failure.
func RecoveredLocally(k Kind) bool {
	return recoverableLocally[k]
}

// Error wraps a kv.Error with the closed Kind discriminator plus an
// optional free-form detail string, matching the {kind, message, detail?}
// shape spec.md §7 requires every failing step to carry.
type Error struct {
	Kind    Kind
	Detail  string
	wrapped kv.Error
}

// Error satisfies the standard error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.wrapped != nil {
		return string(e.Kind) + ": " + e.wrapped.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying kv.Error for callers that want the full
// key-value context and stack trace (e.g. for structured logging).
func (e *Error) Unwrap() error {
	if e == nil || e.wrapped == nil {
		return nil
	}
	return e.wrapped
}

// New builds an Error of the given kind from a plain message, stamping a
// trimmed stack trace the way the teacher's runner stamps every kv.Error.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		wrapped: kv.NewError(msg).With("stack", stack.Trace().TrimRuntime()).With("kind", string(kind)),
	}
}

// Wrap lifts a lower-level Go error into a typed Error of the given kind,
// preserving its message and call-site stack trace.
func Wrap(kind Kind, errGo error) *Error {
	if errGo == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		wrapped: kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("kind", string(kind)),
	}
}

// WithDetail attaches the optional free-form detail string and returns the
// receiver for chaining at the call site.
func (e *Error) WithDetail(detail string) *Error {
	if e == nil {
		return e
	}
	e.Detail = detail
	return e
}

// With attaches a key-value pair to the underlying kv.Error for structured
// logging, mirroring kv.Error.With(...) used throughout the teacher repo.
func (e *Error) With(key string, value interface{}) *Error {
	if e == nil {
		return e
	}
	if e.wrapped != nil {
		e.wrapped = e.wrapped.With(key, value)
	}
	return e
}

// Result is the outcome of one Script Engine step: ok/skipped carry an
// Output, failed carries an Error. This is the {ok, skipped, failed} shape
// required by spec.md §4.1's failure semantics.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Result struct {
	Status Status
	Output string
	Err    *Error
}

// Ok builds a successful Result carrying the given step output.
func Ok(output string) Result { return Result{Status: StatusOK, Output: output} }

// Skipped builds the special "skipped" Result used when a step's `when:`
// evaluates false; its output is the skipped sentinel, never the prior
// step's output.
func Skipped() Result { return Result{Status: StatusSkipped, Output: ""} }

// Failed builds a failed Result from a typed Error.
func Failed(err *Error) Result { return Result{Status: StatusFailed, Err: err} }
