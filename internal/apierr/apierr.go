// Package apierr defines the error taxonomy that every collaborator and
// pipeline step reports through, so the executor and API layer can branch
// on error class with errors.Is/errors.As instead of string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Class distinguishes the handling a caller should give an error.
type Class string

const (
	ClassNotFound         Class = "not_found"
	ClassPrecondition     Class = "precondition_violated"
	ClassExternal         Class = "external_unavailable"
	ClassAwaitingInput    Class = "awaiting_input"
	ClassFatalMisconfig   Class = "fatal_misconfiguration"
	ClassCancelled        Class = "cancelled"
)

// Error wraps an underlying cause with a Class the executor dispatches on.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apierr.NotFound) style class checks, where the
// target is a *Error with only Class set (see the package sentinels below).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

// Sentinels for errors.Is comparisons. Callers build concrete errors with
// New* constructors; these are used only as comparison targets.
var (
	NotFound       = &Error{Class: ClassNotFound}
	Precondition   = &Error{Class: ClassPrecondition}
	External       = &Error{Class: ClassExternal}
	AwaitingInput  = &Error{Class: ClassAwaitingInput}
	FatalMisconfig = &Error{Class: ClassFatalMisconfig}
	Cancelled      = &Error{Class: ClassCancelled}
)

// NewNotFound reports a missing entity (unknown request, download, item).
func NewNotFound(op string, err error) error {
	return &Error{Class: ClassNotFound, Op: op, Err: err}
}

// NewPrecondition reports an invariant violation: wrong status for the
// requested transition, a release that no longer satisfies quality, etc.
func NewPrecondition(op string, err error) error {
	return &Error{Class: ClassPrecondition, Op: op, Err: err}
}

// NewExternal reports a transient failure from an indexer, torrent client,
// encoder pool or storage server — retryable by the scheduler.
func NewExternal(op string, err error) error {
	return &Error{Class: ClassExternal, Op: op, Err: err}
}

// NewAwaitingInput reports a step that parked itself pending an operator
// decision (quality_unavailable, manual release selection).
func NewAwaitingInput(op string, err error) error {
	return &Error{Class: ClassAwaitingInput, Op: op, Err: err}
}

// NewFatalMisconfig reports a problem no retry can fix: missing profile,
// unknown server ID, malformed template.
func NewFatalMisconfig(op string, err error) error {
	return &Error{Class: ClassFatalMisconfig, Op: op, Err: err}
}

// NewCancelled reports that the operation stopped because its owning
// request or item was cancelled mid-flight.
func NewCancelled(op string, err error) error {
	return &Error{Class: ClassCancelled, Op: op, Err: err}
}

// Retryable reports whether the scheduler should re-attempt the step that
// produced err. Only external, transient failures are retryable; the rest
// require either operator input or are permanent.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == ClassExternal
}
