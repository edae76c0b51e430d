package ports

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/skillgate/internal/domain"
)

// Common infrastructure errors that can occur during external service
// interactions.
var (
	// ErrReplyTimeout indicates that the user did not answer in time.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrForbidden indicates that the platform refused the operation, such as
	// a private message to a user with closed DMs.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates that a member, role or channel does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates that the service has rate limited the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that the external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidResponse indicates that the service returned an invalid
	// response.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNoFunctionCall indicates that the model answered without calling the
	// declared function.
	ErrNoFunctionCall = errors.New("no function call in response")

	// ErrConfigNotFound indicates that required configuration is missing.
	ErrConfigNotFound = errors.New("configuration not found")
)

// LLMError represents an error from an LLM provider.
// It includes details about the model, operation, and any rate limit
// information.
type LLMError struct {
	// Model is the identifier of the LLM model that generated the error.
	Model string

	// Operation is the name of the operation that failed.
	Operation string

	// Err is the underlying error that occurred.
	Err error

	// Truncated is set when the backend stopped at its token limit.
	Truncated bool

	// RetryAfter indicates how long to wait before retrying, if applicable.
	RetryAfter *time.Duration
}

// Error implements the error interface for LLMError.
func (e *LLMError) Error() string {
	msg := fmt.Sprintf("LLM error: model=%s, operation=%s, err=%v", e.Model, e.Operation, e.Err)
	if e.Truncated {
		msg += ", truncated=true"
	}
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", retry_after=%v", *e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LLMError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is temporary and the operation
// can be retried.
func (e *LLMError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrServiceUnavailable) ||
		errors.Is(e.Err, ErrTimeout)
}

// NewLLMError creates a new LLMError with the given details.
func NewLLMError(model, operation string, err error) *LLMError {
	return &LLMError{
		Model:     model,
		Operation: operation,
		Err:       err,
	}
}

// PlatformError represents a failed chat-platform call.
type PlatformError struct {
	// Operation names the platform call, e.g. "add_role".
	Operation string

	// UserID is the member involved, if any.
	UserID domain.UserID

	// RoleID is the role involved, if any.
	RoleID domain.RoleID

	// Err is the underlying error.
	Err error
}

// Error implements the error interface for PlatformError.
func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("platform error: operation=%s", e.Operation)
	if e.UserID != "" {
		msg += fmt.Sprintf(", user=%s", e.UserID)
	}
	if e.RoleID != 0 {
		msg += fmt.Sprintf(", role=%s", e.RoleID)
	}
	return msg + fmt.Sprintf(", err=%v", e.Err)
}

// Unwrap returns the underlying error.
func (e *PlatformError) Unwrap() error { return e.Err }

// NewPlatformError creates a new PlatformError with the given details.
func NewPlatformError(operation string, user domain.UserID, role domain.RoleID, err error) *PlatformError {
	return &PlatformError{
		Operation: operation,
		UserID:    user,
		RoleID:    role,
		Err:       err,
	}
}

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error that caused the configuration operation
	// to fail.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		ConfigKey: key,
		Err:       err,
	}
}
