// Package faults defines the error taxonomy of the pipeline core and
// the classification rules the orchestrator's retry policy depends on.
//
// Transient faults are retried locally; permanent and quality faults
// terminate the session; circuit-open faults fail fast without
// consuming retry budget; conflict faults are returned synchronously to
// the caller without mutating state.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions every fault the core can raise.
type Class string

const (
	ClassTransient       Class = "TRANSIENT"
	ClassPermanent       Class = "PERMANENT"
	ClassQuality         Class = "QUALITY"
	ClassFeedbackTimeout Class = "FEEDBACK_TIMEOUT"
	ClassCircuitOpen     Class = "CIRCUIT_OPEN"
	ClassConflict        Class = "CONFLICT"
	ClassStaleSession    Class = "STALE_SESSION"
)

// Fault is an error carrying its taxonomy class.
type Fault struct {
	Class   Class
	Message string
	Wrapped error
}

func (f *Fault) Error() string {
	if f.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Message, f.Wrapped)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

func (f *Fault) Unwrap() error { return f.Wrapped }

// Transient wraps a retryable failure (network, timeout, rate limit).
func Transient(msg string, err error) error {
	return &Fault{Class: ClassTransient, Message: msg, Wrapped: err}
}

// Permanent wraps a non-retryable failure (invalid input, unsupported
// configuration).
func Permanent(msg string, err error) error {
	return &Fault{Class: ClassPermanent, Message: msg, Wrapped: err}
}

// Quality marks a score below threshold after retries were exhausted.
func Quality(msg string) error {
	return &Fault{Class: ClassQuality, Message: msg}
}

// Conflict marks an operation attempted against the wrong state, e.g.
// feedback submitted outside WAITING.
func Conflict(msg string) error {
	return &Fault{Class: ClassConflict, Message: msg}
}

// StaleSession marks a session repaired by the reconciler.
func StaleSession(msg string) error {
	return &Fault{Class: ClassStaleSession, Message: msg}
}

// CircuitOpenError is raised when a dependency's breaker rejects a call
// without invoking it.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("CIRCUIT_OPEN: dependency %q temporarily degraded (retry after %s)", e.Dependency, e.RetryAfter)
}

// FeedbackTimeoutError marks a checkpoint wait that expired. It is
// handled by the configured auto-action and is not a session failure by
// itself.
type FeedbackTimeoutError struct {
	SessionID string
	Phase     int
}

func (e *FeedbackTimeoutError) Error() string {
	return fmt.Sprintf("FEEDBACK_TIMEOUT: session %s phase %d", e.SessionID, e.Phase)
}

// ClassOf returns the taxonomy class of err, defaulting to PERMANENT
// for unclassified errors so that unknown failures are never retried
// blindly.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return ClassCircuitOpen
	}
	var ft *FeedbackTimeoutError
	if errors.As(err, &ft) {
		return ClassFeedbackTimeout
	}
	return ClassPermanent
}

// IsTransient reports whether the orchestrator may retry err.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool { return ClassOf(err) == ClassConflict }

// IsCircuitOpen reports whether err came from an open breaker.
func IsCircuitOpen(err error) bool { return ClassOf(err) == ClassCircuitOpen }
