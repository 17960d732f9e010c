package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes carried by AppError.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeSelfFollow             = "SELF_FOLLOW"
	CodeInvalidHandle          = "INVALID_HANDLE"
	CodeHandleTaken            = "HANDLE_TAKEN"
	CodeUnavailable            = "UNAVAILABLE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodePartialFollowState     = "PARTIAL_FOLLOW_STATE"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeInternal               = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewSelfFollowError() *AppError {
	return &AppError{
		Code:    CodeSelfFollow,
		Message: "Cannot follow yourself",
	}
}

func NewInvalidHandleError(handle, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidHandle,
		Message: fmt.Sprintf("Handle %q is invalid: %s", handle, reason),
	}
}

func NewHandleTakenError(handle string) *AppError {
	return &AppError{
		Code:    CodeHandleTaken,
		Message: fmt.Sprintf("Handle %q is already taken", handle),
	}
}

// NewUnavailableError reports a transient store failure that survived the retry budget.
func NewUnavailableError(err error) *AppError {
	return &AppError{
		Code:    CodeUnavailable,
		Message: "Service temporarily unavailable, retry later",
		Err:     err,
	}
}

func NewConcurrentModificationError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeConcurrentModification,
		Message: fmt.Sprintf("%s with ID %v was modified concurrently, re-read and retry", resource, id),
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// GraphOp names the follow-graph mutation that diverged.
type GraphOp string

const (
	GraphOpFollow   GraphOp = "follow"
	GraphOpUnfollow GraphOp = "unfollow"
)

// EdgeSide names one half of a follow edge.
type EdgeSide string

const (
	// SideFollowing is actor.following.
	SideFollowing EdgeSide = "following"
	// SideFollowers is target.followers.
	SideFollowers EdgeSide = "followers"
)

// PartialFollowError is returned when only one side of a follow edge was written
// after the retry budget ran out. Applied names the side that holds the new state.
type PartialFollowError struct {
	Op       GraphOp
	ActorID  string
	TargetID string
	Applied  EdgeSide
	Missing  EdgeSide
	RepairID string
	Err      error
}

func (e *PartialFollowError) Error() string {
	return fmt.Sprintf("%s %s -> %s applied to %s only (missing %s): %v",
		e.Op, e.ActorID, e.TargetID, e.Applied, e.Missing, e.Err)
}

func (e *PartialFollowError) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the application error code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var partial *PartialFollowError
	if errors.As(err, &partial) {
		return CodePartialFollowState
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	var partial *PartialFollowError
	switch {
	case errors.As(err, &partial):
		response = ErrorResponse{
			Error:   fmt.Sprintf("%s only partially applied, repair scheduled", partial.Op),
			Code:    CodePartialFollowState,
			Details: fmt.Sprintf("applied=%s missing=%s repair_id=%s", partial.Applied, partial.Missing, partial.RepairID),
		}
	case errors.As(err, &appErr):
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	default:
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
