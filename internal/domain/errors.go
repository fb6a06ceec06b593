package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrConstraintConflict  = errors.New("constraint conflict")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrStatusUnchanged     = errors.New("status unchanged")
	ErrAccountDisabled     = errors.New("channel account not active")
	ErrCredentialsRejected = errors.New("channel credentials rejected")
	ErrMissingFields       = errors.New("missing required fields")
)

// ValidationError is a permanent, local rejection of input (malformed payload,
// bad recipient). It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a failure worth retrying (timeout, 5xx, reset).
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DeliveryFailure is terminal for a message: the caller marks it failed with Reason.
type DeliveryFailure struct {
	Code   string
	Reason string
	Err    error
}

func (e *DeliveryFailure) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("delivery failed (%s): %s", e.Code, e.Reason)
	}
	return "delivery failed: " + e.Reason
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// RateLimitedError is a scheduling signal: retry the work after Wait.
type RateLimitedError struct {
	Scope string
	Wait  time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry in %s", e.Scope, e.Wait)
}

func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
