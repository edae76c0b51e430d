package domain

import (
	"errors"
	"fmt"
)

// Common domain errors raised by the verification flow.
var (
	// ErrSessionActive indicates that a verification is already running for the user.
	ErrSessionActive = errors.New("verification already in progress")

	// ErrNoSession indicates that no verification session exists for the user.
	ErrNoSession = errors.New("no active verification session")

	// ErrTaxonomyNotBuilt indicates that the role taxonomy has not been loaded or built yet.
	ErrTaxonomyNotBuilt = errors.New("role taxonomy not built")

	// ErrRoleNotFound indicates that a configured role does not exist on the platform.
	ErrRoleNotFound = errors.New("role not found")

	// ErrBotMember indicates that a verification was requested for a bot account.
	ErrBotMember = errors.New("bots do not require verification")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidTransition indicates an illegal state machine transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// SessionError describes a failure tied to one user's verification session.
type SessionError struct {
	// UserID identifies the member whose session failed.
	UserID UserID

	// State is the state the session was in when the error occurred.
	State State

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for SessionError.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session error: user=%s, state=%s, err=%v", e.UserID, e.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error { return e.Err }

// NewSessionError creates a new SessionError with the given details.
func NewSessionError(user UserID, state State, err error) *SessionError {
	return &SessionError{
		UserID: user,
		State:  state,
		Err:    err,
	}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}
