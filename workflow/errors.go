// Package workflow implements the durable deal-orchestration runtime: an
// append-only event log with snapshots, an instance scheduler, a
// memoizing step executor, durable waits and sleeps, transition legality
// checks and LIFO compensation.
package workflow

import (
	"errors"
	"fmt"
)

// ErrorClass classifies failures per the runtime's error taxonomy.
type ErrorClass string

const (
	// ClassTransient marks retriable failures: network/IO errors, provider
	// 429/5xx responses, version conflicts, deadlocks. Never escapes the
	// step executor.
	ClassTransient ErrorClass = "transient"

	// ClassDomain marks business-rule failures: illegal transitions,
	// validation errors, capacity rules, duplicate active NDAs. Never
	// retried; the state machine maps it to a transition.
	ClassDomain ErrorClass = "domain"

	// ClassTimeout marks a wait deadline crossing. Converted into a
	// timeout wait result, never surfaced as an error to callers.
	ClassTimeout ErrorClass = "timeout"

	// ClassFatal marks unrecoverable failures: corrupted log, unknown
	// step on replay, compensator exhaustion. The instance is halted in
	// Failed after compensation.
	ClassFatal ErrorClass = "fatal"
)

// Error is a classified workflow failure with a machine-readable code.
type Error struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retriable error.
func Transient(code, format string, args ...any) *Error {
	return &Error{Class: ClassTransient, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Domain builds a business-rule error. Domain errors are never retried.
func Domain(code, format string, args ...any) *Error {
	return &Error{Class: ClassDomain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Fatal builds an unrecoverable error.
func Fatal(code, format string, args ...any) *Error {
	return &Error{Class: ClassFatal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapTransient classifies an underlying error as transient.
func WrapTransient(code string, err error) *Error {
	return &Error{Class: ClassTransient, Code: code, Err: err}
}

// WrapFatal classifies an underlying error as fatal.
func WrapFatal(code string, err error) *Error {
	return &Error{Class: ClassFatal, Code: code, Err: err}
}

// ClassOf reports the error's class. Unclassified errors default to
// transient: infrastructure faults are the common unclassified case and
// retrying them is safe under step memoization.
func ClassOf(err error) ErrorClass {
	var we *Error
	if errors.As(err, &we) {
		return we.Class
	}
	return ClassTransient
}

// CodeOf extracts the machine-readable code, if any.
func CodeOf(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsDomain reports whether the error is a business-rule failure.
func IsDomain(err error) bool { return ClassOf(err) == ClassDomain }

// IsFatal reports whether the error is unrecoverable.
func IsFatal(err error) bool { return ClassOf(err) == ClassFatal }

// Sentinel runtime errors.
var (
	// ErrIllegalTransition indicates a (state, event) pair absent from the
	// registry's transition table.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrTerminal indicates an operation on an instance already in a
	// terminal state.
	ErrTerminal = errors.New("instance is terminal")

	// ErrUnknownKind indicates a workflow kind with no registered machine.
	ErrUnknownKind = errors.New("unknown workflow kind")

	// ErrUnknownStep indicates a replayed step name the machine no longer
	// defines, such as a compensation stack entry with no registered
	// compensator. This is a log/machine version mismatch.
	ErrUnknownStep = errors.New("unknown step on replay")

	// ErrMaxActionsExceeded guards against machines that never suspend.
	ErrMaxActionsExceeded = errors.New("advance exceeded maximum actions")

	// ErrInvalidRetryPolicy indicates a retry policy violating its
	// constraints.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)
