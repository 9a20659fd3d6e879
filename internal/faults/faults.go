// Package faults defines the error taxonomy for the pipeline and the pure
// classifier that decides whether a failure is worth retrying.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the classifier's verdict.
type Kind int8

const (
	// Retryable failures are transient: timeouts, connection trouble, rate
	// limits, 5xx and the 408/429/499 status codes.
	Retryable Kind = iota
	// Permanent failures must not be retried: malformed input, auth
	// failures, the remaining 4xx codes, and anything unrecognized.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "invalid"
	}
}

// ValidationError marks malformed or missing input. Never retried.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// AuthenticationError marks a bad signature or expired timestamp. Never
// retried; callers log it as a security event.
type AuthenticationError struct {
	Msg string
}

func (e AuthenticationError) Error() string { return e.Msg }

// ExternalError wraps a failure from an external collaborator with the HTTP
// status it returned, when one exists.
type ExternalError struct {
	Op     string
	Status int
	Err    error
}

func (e *ExternalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// OrderingConflict marks a stale sequence number. The event is recorded but
// no state changes; never retried.
type OrderingConflict struct {
	ProjectID int64
	Incoming  int64
	Last      int64
}

func (e OrderingConflict) Error() string {
	return fmt.Sprintf("out-of-order event for project %d: sequence %d <= %d", e.ProjectID, e.Incoming, e.Last)
}

// StoreError wraps a persistence failure. The queue retries these a small
// fixed number of times before surfacing a fatal cycle error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// retryableStatuses is the 4xx subset that still warrants a retry.
var retryableStatuses = map[int]bool{
	408: true, // request timeout
	429: true, // rate limited
	499: true, // client closed request
}

// RetryableStatus reports whether an HTTP status code signals a transient
// condition.
func RetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return retryableStatuses[status]
}

// Classify maps an error to Retryable or Permanent. Unrecognized errors
// classify as Permanent: failing closed beats retrying forever on an
// unknown condition.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	var ve ValidationError
	if errors.As(err, &ve) {
		return Permanent
	}
	var ae AuthenticationError
	if errors.As(err, &ae) {
		return Permanent
	}
	var oc OrderingConflict
	if errors.As(err, &oc) {
		return Permanent
	}
	var se *StoreError
	if errors.As(err, &se) {
		return Retryable
	}
	var ee *ExternalError
	if errors.As(err, &ee) {
		if ee.Status > 0 {
			if RetryableStatus(ee.Status) {
				return Retryable
			}
			return Permanent
		}
		return classifyCause(ee.Err)
	}
	return classifyCause(err)
}

func classifyCause(err error) Kind {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Retryable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "temporarily unavailable"):
		return Retryable
	}
	return Permanent
}
