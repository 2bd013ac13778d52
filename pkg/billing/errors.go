package billing

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/turnstile/pkg/processor"
)

// ValidationError reports malformed or out-of-range caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// ConflictError reports an operation that would violate a uniqueness or
// state invariant, such as a second live subscription for a tenant or
// removing the default payment method while a subscription is live.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
}

// InactivePlanError reports an attempt to subscribe to (or switch onto) a
// deactivated plan. Existing subscriptions on the plan are unaffected.
type InactivePlanError struct {
	Code string
}

func (e *InactivePlanError) Error() string {
	return fmt.Sprintf("plan %q is deactivated", e.Code)
}

// SignatureError reports a webhook payload whose signature did not verify.
// Nothing is read or written locally when this is returned.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// ProcessorError reports a permanent failure from the payment processor.
// Retrying without changing the request will not help.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s failed: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// TransientError reports a retryable failure, remote or local (network
// timeouts, processor 5xx, connection loss).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsInactivePlan reports whether err is an InactivePlanError.
func IsInactivePlan(err error) bool {
	var e *InactivePlanError
	return errors.As(err, &e)
}

// IsSignature reports whether err is a SignatureError.
func IsSignature(err error) bool {
	var e *SignatureError
	return errors.As(err, &e)
}

// IsProcessor reports whether err is a ProcessorError.
func IsProcessor(err error) bool {
	var e *ProcessorError
	return errors.As(err, &e)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// wrapProcessorErr converts a processor failure into the engine's taxonomy:
// retryable failures become TransientError, everything else ProcessorError.
func wrapProcessorErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if processor.IsTransient(err) {
		return &TransientError{Op: op, Err: err}
	}
	return &ProcessorError{Op: op, Err: err}
}

// uniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally scoped to a named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
