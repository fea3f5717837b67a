// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error taxonomy shared by all controller
// components. Every filesystem or process-spawn failure is translated
// into a fault at the component boundary; nothing propagates to the
// API layer as a raw unhandled error.
//
// Faults carry a Kind so the HTTP layer can map them to status codes
// without string matching, and wrap an underlying cause for logging.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault. The set is closed: the HTTP layer maps
// each kind to exactly one status code, so adding a kind means
// updating that mapping.
type Kind int

const (
	// Validation is a malformed request. Not retryable.
	Validation Kind = iota

	// SessionNotFound means the session id does not name a live
	// session. The client must create (or recreate) the session.
	SessionNotFound

	// SessionTerminated means the session exists but has been
	// terminated and refuses new operations.
	SessionTerminated

	// PathViolation means a file path resolved outside the session
	// workspace. Never retryable; logged as a potential intrusion
	// attempt.
	PathViolation

	// QuotaExceeded means a size or workspace quota would be
	// breached. The client must free space or raise the quota.
	QuotaExceeded

	// Busy means the per-session concurrency cap is reached. The
	// client may retry with backoff.
	Busy

	// Timeout means a command was killed at its deadline. The client
	// may retry with a larger timeout or a smaller workload.
	Timeout

	// NotAllowed means an executable or package failed the
	// allow-list. Not retryable.
	NotAllowed

	// NotFound means a file read targeted a nonexistent path inside
	// the workspace.
	NotFound

	// ResourceExhausted means the host ran out of a resource
	// (disk, file descriptors) while provisioning.
	ResourceExhausted

	// IOFailure is a filesystem operation failure that is not a
	// quota, path, or existence problem.
	IOFailure

	// Internal is a failure of the controller itself (the exec
	// mechanism broke, state corruption). Logged with full context;
	// the process keeps serving other sessions.
	Internal
)

// String returns the stable name of the kind, used in logs and API
// error codes.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case SessionNotFound:
		return "session_not_found"
	case SessionTerminated:
		return "session_terminated"
	case PathViolation:
		return "path_violation"
	case QuotaExceeded:
		return "quota_exceeded"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case NotAllowed:
		return "not_allowed"
	case NotFound:
		return "not_found"
	case ResourceExhausted:
		return "resource_exhausted"
	case IOFailure:
		return "io_failure"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a classified controller error. Use New or Wrap to
// construct; use KindOf to classify an error chain.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a fault with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain. Errors
// that never passed through a component boundary classify as
// Internal. An unclassified error reaching the API layer is itself a
// bug, and Internal is the honest status for it.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is returns whether err's chain contains a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether a client may reasonably retry the
// operation that produced err without changing the request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Busy, Timeout, ResourceExhausted:
		return true
	default:
		return false
	}
}
