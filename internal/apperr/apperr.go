// Package apperr defines the typed error taxonomy shared by every component.
// Each error carries a stable string code, an HTTP-equivalent status used by
// the dispatcher to derive JSON-RPC codes, and a structured details map that
// is safe to return to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes. Clients pattern-match on these, so they never change.
const (
	CodeToolNotFound       = "TOOL_NOT_FOUND"
	CodeToolDisabled       = "TOOL_DISABLED"
	CodeToolExecution      = "TOOL_EXECUTION_ERROR"
	CodeValidation         = "VALIDATION_ERROR"
	CodeBackendTimeout     = "BACKEND_TIMEOUT"
	CodeAuthentication     = "AUTHENTICATION_ERROR"
	CodeAuthorization      = "AUTHORIZATION_ERROR"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeConfiguration      = "CONFIGURATION_ERROR"
	CodeBackendUnavailable = "MCP_SERVER_ERROR"
)

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns e with an extra details entry. Mutates and returns the
// receiver; errors are built in one place and never shared before return.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying error for %w-style unwrapping.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// ToolNotFound reports an unknown qualified tool name.
func ToolNotFound(name string) *Error {
	return newError(CodeToolNotFound, fmt.Sprintf("Tool not found: %s", name), 404).
		WithDetail("tool", name)
}

// ServerNotFound reports an unknown backend prefix in a qualified name. The
// 502 status keeps the wire code at -32000 alongside MCP_SERVER_ERROR, since
// clients treat both as routing failures.
func ServerNotFound(server string) *Error {
	return newError(CodeToolNotFound, fmt.Sprintf("MCP server not found: %s", server), 502).
		WithDetail("server", server)
}

// ToolDisabled reports a tool present in config but disabled.
func ToolDisabled(name string) *Error {
	return newError(CodeToolDisabled, fmt.Sprintf("Tool is disabled: %s", name), 403).
		WithDetail("tool", name)
}

// ToolExecution reports a backend-side or wire failure during a call.
func ToolExecution(name string, cause error) *Error {
	return newError(CodeToolExecution, fmt.Sprintf("Tool execution failed: %s", name), 500).
		WithDetail("tool", name).WithCause(cause)
}

// Validation reports a parameter or request-shape failure.
func Validation(message string) *Error {
	return newError(CodeValidation, message, 400)
}

// BackendTimeout reports an expired per-request timeout.
func BackendTimeout(server, method string) *Error {
	return newError(CodeBackendTimeout,
		fmt.Sprintf("Request to MCP server %s timed out", server), 408).
		WithDetail("server", server).WithDetail("method", method)
}

// Authentication reports a missing, unknown, expired or disabled API key.
func Authentication(message string) *Error {
	return newError(CodeAuthentication, message, 401)
}

// Authorization reports a failed permission check.
func Authorization(permission string) *Error {
	return newError(CodeAuthorization,
		fmt.Sprintf("Permission denied: %s", permission), 403).
		WithDetail("permission", permission)
}

// RateLimit reports an empty token bucket. retryAfter is in whole seconds.
func RateLimit(retryAfter int) *Error {
	return newError(CodeRateLimitExceeded,
		fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", retryAfter), 429).
		WithDetail("retryAfter", retryAfter)
}

// Configuration reports a config load/parse/validation failure.
func Configuration(message string, cause error) *Error {
	return newError(CodeConfiguration, message, 500).WithCause(cause)
}

// BackendUnavailable reports a backend that is not running or unreachable.
func BackendUnavailable(server string) *Error {
	return newError(CodeBackendUnavailable,
		fmt.Sprintf("MCP server not available: %s", server), 502).
		WithDetail("server", server)
}

// ClientStopped is the cancellation cause delivered to pending waiters when a
// backend client shuts down.
func ClientStopped(server string) *Error {
	return newError(CodeBackendUnavailable,
		fmt.Sprintf("MCP server stopped: %s", server), 502).
		WithDetail("server", server)
}

// BackendStartup reports a failed spawn or initialize handshake.
func BackendStartup(server string, cause error) *Error {
	return newError(CodeBackendUnavailable,
		fmt.Sprintf("MCP server failed to start: %s", server), 502).
		WithDetail("server", server).WithCause(cause)
}

// As extracts a taxonomy error from an error chain. The bool reports whether
// one was found.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// JSONRPCCode maps the HTTP-equivalent status to the JSON-RPC error code the
// dispatcher puts on the wire.
func (e *Error) JSONRPCCode() int {
	switch e.Status {
	case 400:
		return -32602
	case 404:
		return -32601
	default:
		return -32000
	}
}
