// Package errors provides custom error types for the Nova server.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodePluginNotFound  = "PLUGIN_NOT_FOUND"
	ErrCodeAgentNotFound   = "AGENT_NOT_FOUND"
	ErrCodeAgentDisabled   = "AGENT_DISABLED"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
)

// JSON-RPC 2.0 error codes, including the server-defined range used by the
// websocket gateway.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603

	RPCPluginNotFound  = -32001
	RPCAgentNotFound   = -32002
	RPCSessionNotFound = -32003
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RPCCode int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// PluginNotFound creates an error for an unknown plugin name.
func PluginNotFound(name string) *AppError {
	return &AppError{
		Code:    ErrCodePluginNotFound,
		Message: fmt.Sprintf("plugin '%s' not found", name),
		RPCCode: RPCPluginNotFound,
	}
}

// AgentNotFound creates an error for an unknown agent id within a plugin.
func AgentNotFound(plugin, agent string) *AppError {
	return &AppError{
		Code:    ErrCodeAgentNotFound,
		Message: fmt.Sprintf("agent '%s' not found in plugin '%s'", agent, plugin),
		RPCCode: RPCAgentNotFound,
	}
}

// AgentDisabled creates an error for an agent disabled by configuration.
// It maps to the same JSON-RPC code as AgentNotFound.
func AgentDisabled(plugin, agent string) *AppError {
	return &AppError{
		Code:    ErrCodeAgentDisabled,
		Message: fmt.Sprintf("agent '%s' in plugin '%s' is disabled", agent, plugin),
		RPCCode: RPCAgentNotFound,
	}
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		RPCCode: RPCSessionNotFound,
	}
}

// NotFound creates a generic not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
		RPCCode: RPCInternalError,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
		RPCCode: RPCInvalidParams,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
		RPCCode: RPCInvalidParams,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		RPCCode: RPCInternalError,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			RPCCode: appErr.RPCCode,
			Err:     err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		RPCCode: RPCInternalError,
		Err:     err,
	}
}

// IsNotFound checks if the error is any of the not-found error kinds.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeNotFound, ErrCodePluginNotFound, ErrCodeAgentNotFound, ErrCodeSessionNotFound:
			return true
		}
	}
	return false
}

// GetRPCCode returns the JSON-RPC error code for an error.
// Returns RPCInternalError if the error is not an AppError.
func GetRPCCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.RPCCode != 0 {
		return appErr.RPCCode
	}
	return RPCInternalError
}
