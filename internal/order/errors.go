package order

import (
	"errors"
	"fmt"
)

// ConflictReason categorizes why a guarded transition did not apply.
//
// Runners routinely lose races for orders, so a failed precondition is a
// normal, typed outcome rather than an exception: the caller must be able
// to tell "someone else owns this now" (no-op, move on) from "the order
// vanished" (a real problem).
type ConflictReason string

const (
	// ReasonNotFound indicates the referenced order does not exist.
	ReasonNotFound ConflictReason = "order_not_found"

	// ReasonWrongRunner indicates the order is owned by a different runner.
	ReasonWrongRunner ConflictReason = "wrong_runner"

	// ReasonInvalidStatus indicates the order's current status does not
	// satisfy the transition's precondition.
	ReasonInvalidStatus ConflictReason = "invalid_status"
)

// ConflictError reports a guarded transition whose precondition no longer
// held at commit time. It always carries the actual current status (and
// owner, when relevant) so the caller can decide whether to retry.
type ConflictError struct {
	Reason        ConflictReason
	OrderID       string
	CurrentStatus Status
	CurrentRunner string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("order %s not found", e.OrderID)
	case ReasonWrongRunner:
		return fmt.Sprintf("order %s is owned by runner %s", e.OrderID, e.CurrentRunner)
	default:
		return fmt.Sprintf("order %s is %s", e.OrderID, e.CurrentStatus)
	}
}

// IsConflict returns the ConflictError carried by err, if any.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ValidationError reports a malformed creation request.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation returns the ValidationError carried by err, if any.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// NotFoundError reports a missing runner, server, or playbook record.
// Missing orders on guarded transitions use ConflictError with
// ReasonNotFound instead, because those surface on the runner protocol
// where not-found is one leg of the conflict taxonomy.
type NotFoundError struct {
	Kind string // "runner", "server", "playbook", "order"
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound returns the NotFoundError carried by err, if any.
func IsNotFound(err error) (*NotFoundError, bool) {
	var ne *NotFoundError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// DedupeConflictError reports a creation request whose dedupeKey is already
// held by an order in an active status. The key frees up once that order
// leaves QUEUED/CLAIMED/RUNNING.
type DedupeConflictError struct {
	DedupeKey string
}

// Error implements the error interface.
func (e *DedupeConflictError) Error() string {
	return fmt.Sprintf("an active order already holds dedupe key %q", e.DedupeKey)
}

// IsDedupeConflict returns the DedupeConflictError carried by err, if any.
func IsDedupeConflict(err error) (*DedupeConflictError, bool) {
	var de *DedupeConflictError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ErrCodeInvalidReport is stored in an order's errorCode when a completion
// payload fails report contract validation and the order is forced FAILED.
const ErrCodeInvalidReport = "INVALID_REPORT"
