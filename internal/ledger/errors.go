package ledger

import (
	"errors"
	"fmt"
)

// ErrArithmeticOverflow is an implementation defect, not a user-facing
// condition: any computation that would wrap must fail loudly instead.
var ErrArithmeticOverflow = errors.New("ledger: arithmetic overflow")

// ValidationError rejects a malformed request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// AuthorizationError rejects a caller who is not the recorded owner.
type AuthorizationError struct {
	Entity string
	ID     uint64
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized: %s %d does not belong to caller", e.Entity, e.ID)
}

// NotFoundError reports an absent referenced entity.
type NotFoundError struct {
	Entity string
	ID     uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// StateConflictError reports an entity that is not in the state the
// operation requires. Also returned when re-validation after an external
// call observes that a concurrent commit changed the entity.
type StateConflictError struct {
	Entity string
	ID     uint64
	Status string
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("state conflict: %s %d (%s): %s", e.Entity, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("state conflict: %s %d is %s", e.Entity, e.ID, e.Status)
}

// LimitExceededError reports a requested amount above the allowed bound.
type LimitExceededError struct {
	Kind      string
	Requested uint64
	Limit     uint64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: requested %d exceeds limit %d", e.Kind, e.Requested, e.Limit)
}

// ExternalVerificationError reports a collaborator that was unreachable or
// explicitly rejected the check. The ledger is untouched when it is returned.
type ExternalVerificationError struct {
	Collaborator string
	Reason       string
	Err          error
}

func (e *ExternalVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external verification (%s): %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("external verification (%s): %s", e.Collaborator, e.Reason)
}

func (e *ExternalVerificationError) Unwrap() error { return e.Err }
