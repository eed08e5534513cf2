package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
)

// ErrorResponse represents a structured error in tool results.
// Actionable errors are returned as tool results so the client sees them
// instead of a protocol error.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for errors the caller can act on (bad parameters, unknown
// project, a run already in progress). System failures stay Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult converts an actionable service error into a tool
// result. ok is false for errors that should surface as Go errors.
func serviceErrorResult(err error) (result *mcp.CallToolResult, ok bool) {
	message := logging.SanitizeError(err)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", message), true
	case errors.Is(err, apperrors.ErrRunInProgress):
		return NewErrorResult("run_in_progress", message), true
	case errors.Is(err, apperrors.ErrInvalidState):
		return NewErrorResult("invalid_state", message), true
	case errors.Is(err, apperrors.ErrInvalidInput):
		return NewErrorResult("invalid_parameters", message), true
	}

	switch kind := apperrors.KindOf(err); kind {
	case apperrors.KindAuth, apperrors.KindRateLimited, apperrors.KindInsufficientContent,
		apperrors.KindContentTooLarge, apperrors.KindContentFiltered:
		return NewErrorResult(string(kind), message), true
	}
	return nil, false
}

// jsonResult marshals v as the text content of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
