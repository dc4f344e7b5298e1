package procmgr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PoolError is a pool manager failure with context for troubleshooting
type PoolError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Process lifecycle errors, recovered by back-off
	ErrorCodeSpawnFailed    ErrorCode = "SPAWN_FAILED"
	ErrorCodeBindFailed     ErrorCode = "BIND_FAILED"
	ErrorCodeProcessCrashed ErrorCode = "PROCESS_CRASHED"
	ErrorCodeClassMarkedBad ErrorCode = "CLASS_MARKED_BAD"

	// Fatal errors, trigger orderly shutdown
	ErrorCodeSignalChannelLost ErrorCode = "SIGNAL_CHANNEL_LOST"
	ErrorCodeParentLost        ErrorCode = "PARENT_LOST"

	// Input errors
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrorCodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
)

// Error implements the error interface
func (e *PoolError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PoolError with the given code and message
func NewError(code ErrorCode, message string) *PoolError {
	return &PoolError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *PoolError) WithContext(key string, value interface{}) *PoolError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *PoolError) WithCause(cause error) *PoolError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *PoolError) WithSuggestion(suggestion string) *PoolError {
	e.Suggestion = suggestion
	return e
}

// IsErrorCode reports whether err is a PoolError with the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var pe *PoolError
	return errors.As(err, &pe) && pe.Code == code
}

// IsFatal reports whether err should stop the pool manager
func IsFatal(err error) bool {
	return IsErrorCode(err, ErrorCodeSignalChannelLost) || IsErrorCode(err, ErrorCodeParentLost)
}

// ErrSpawnFailed creates an error for a process that could not be started
func ErrSpawnFailed(id ClassID, cause error) *PoolError {
	return NewError(ErrorCodeSpawnFailed,
		fmt.Sprintf("Failed to start a process for class '%s'", id)).
		WithContext("class", id.Path).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Executable not found or not runnable\n" +
				"  2. Wrapper missing or rejecting the user/group\n" +
				"  3. Process limit reached")
}

// ErrBindFailed creates an error for a listen socket that could not be bound
func ErrBindFailed(id ClassID, network, address string, cause error) *PoolError {
	return NewError(ErrorCodeBindFailed,
		fmt.Sprintf("Failed to bind listen socket for class '%s'", id)).
		WithContext("class", id.Path).
		WithContext("network", network).
		WithContext("address", address).
		WithCause(cause).
		WithSuggestion("Check that the socket directory exists and is writable, or that the port is free")
}

// ErrProcessCrashed creates an error for an unexpected process exit
func ErrProcessCrashed(id ClassID, pid int, status ExitStatus) *PoolError {
	return NewError(ErrorCodeProcessCrashed,
		fmt.Sprintf("Process for class '%s' exited unexpectedly", id)).
		WithContext("class", id.Path).
		WithContext("pid", pid).
		WithContext("status", status.String())
}

// ErrClassMarkedBad creates an error for a class placed on long back-off
func ErrClassMarkedBad(id ClassID, failures int) *PoolError {
	return NewError(ErrorCodeClassMarkedBad,
		fmt.Sprintf("Class '%s' failed to start %d times, backing off", id, failures)).
		WithContext("class", id.Path).
		WithContext("failures", failures).
		WithSuggestion("Run the executable by hand to see why it exits during startup")
}

// ErrSignalChannelLost creates the fatal error for a broken signal channel
func ErrSignalChannelLost(path string, cause error) *PoolError {
	return NewError(ErrorCodeSignalChannelLost, "Signal channel lost").
		WithContext("path", path).
		WithCause(cause)
}

// ErrParentLost creates the fatal error for a vanished supervising parent
func ErrParentLost(was, now int) *PoolError {
	return NewError(ErrorCodeParentLost, "Supervising parent process went away").
		WithContext("parent_pid", was).
		WithContext("current_ppid", now)
}

// ErrInvalidConfiguration creates an error for a rejected configuration value
func ErrInvalidConfiguration(field string, value interface{}, reason string) *PoolError {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration for %s: %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value)
}

// ErrInvalidMessage creates an error for a malformed signal message
func ErrInvalidMessage(line string, reason string) *PoolError {
	return NewError(ErrorCodeInvalidMessage,
		fmt.Sprintf("Invalid signal message: %s", reason)).
		WithContext("line", line)
}
