package models

import (
	"errors"
	"fmt"
)

// Error variables for state handling and validation.
var (
	// ErrStateConflict is returned when an optimistic version check fails.
	// Callers re-read the state and retry once.
	ErrStateConflict = errors.New("intervention state version conflict")
	// ErrStateNotFound is returned when no state exists for a key or subject.
	ErrStateNotFound = errors.New("intervention state not found")
	// ErrInvalidTransition is returned when a user action does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid intervention state transition")

	ErrEmptyUserID          = errors.New("user id cannot be empty")
	ErrEmptyRuleID          = errors.New("rule id cannot be empty")
	ErrInvalidTriggerType   = errors.New("invalid trigger type")
	ErrInvalidMethod        = errors.New("invalid delivery method")
	ErrNegativeFrequency    = errors.New("reminder frequency cannot be negative")
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInvalidTimeOfDay     = errors.New("invalid time of day, expected HH:MM")
	ErrInvalidSnoozeMinutes = errors.New("snooze minutes must be positive")
	ErrRuleOwnership        = errors.New("rule id belongs to another user")
)

// InvalidRuleConditionError reports a trigger condition that does not match the
// schema for its trigger type. The rule is skipped, never fatal.
type InvalidRuleConditionError struct {
	RuleID      string
	TriggerType TriggerType
	Err         error
}

func (e *InvalidRuleConditionError) Error() string {
	return fmt.Sprintf("invalid %s condition for rule %s: %v", e.TriggerType, e.RuleID, e.Err)
}

func (e *InvalidRuleConditionError) Unwrap() error {
	return e.Err
}

// CollaboratorError reports a failed or timed out call to an external collaborator
// (rule store, context provider, AI analysis). It aborts only the affected user's tick.
type CollaboratorError struct {
	Collaborator string
	UserID       string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s unavailable for user %s: %v", e.Collaborator, e.UserID, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a transport failure for one command.
type DeliveryError struct {
	CommandID string
	Method    Method
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s via %s failed: %v", e.CommandID, e.Method, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsCollaboratorUnavailable reports whether err came from an external collaborator.
func IsCollaboratorUnavailable(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}

// IsInvalidRuleCondition reports whether err is a rule condition schema error.
func IsInvalidRuleCondition(err error) bool {
	var ie *InvalidRuleConditionError
	return errors.As(err, &ie)
}
