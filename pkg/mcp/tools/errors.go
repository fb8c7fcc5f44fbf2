package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ontology-engine/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results. Actionable errors
// are returned as tool results so the calling agent can see and correct them.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	})
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult turns an actionable service error into a tool result.
// It returns nil for system failures, which callers propagate as Go errors.
func serviceErrorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error())
	case errors.Is(err, apperrors.ErrValidation):
		return NewErrorResult("invalid_parameters", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return NewErrorResult("conflict", err.Error())
	case errors.Is(err, apperrors.ErrReadOnly):
		return NewErrorResult("read_only", err.Error())
	case errors.Is(err, apperrors.ErrUnsupported):
		return NewErrorResult("unsupported", err.Error())
	}
	return nil
}

// jsonResult marshals v as the text content of a successful tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
