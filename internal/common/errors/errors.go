// Package errors provides structured HTTP error responses for loginguard
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode is the machine-readable "error" field of a response body
type ErrorCode string

const (
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrRateLimit  ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"

	// Login activity errors
	ErrAttemptNotFound  ErrorCode = "LOGIN_ATTEMPT_NOT_FOUND"
	ErrAttemptFinalized ErrorCode = "LOGIN_ATTEMPT_FINALIZED"
	ErrInvalidIP        ErrorCode = "INVALID_IP_ADDRESS"

	// Backing store errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
	ErrCache    ErrorCode = "CACHE_ERROR"
)

// AppError carries the HTTP status and response body for a failed request.
// Err is logged but never sent to the client.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata sets key in the response metadata
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

// Wrap keeps err for logging behind a client-safe message
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode, Err: err}
}

func Internal(message string, err error) *AppError {
	return Wrap(err, ErrInternal, message, http.StatusInternalServerError)
}

func BadRequest(message string) *AppError {
	return New(ErrBadRequest, message, http.StatusBadRequest)
}

// ValidationError reports a malformed request body or query
func ValidationError(message string) *AppError {
	return New(ErrValidation, message, http.StatusBadRequest)
}

// Unauthorized rejects a request without a valid access token
func Unauthorized(message string) *AppError {
	return New(ErrUnauthorized, message, http.StatusUnauthorized)
}

// Forbidden rejects a caller whose token lacks the required role
func Forbidden(message string) *AppError {
	return New(ErrForbidden, message, http.StatusForbidden)
}

// RateLimited reports that the caller exceeded its request budget
func RateLimited(retryAfter int) *AppError {
	return New(ErrRateLimit, "Too many requests", http.StatusTooManyRequests).WithMetadata("retry_after", retryAfter)
}

// InvalidIP creates an error for an unparsable IP path parameter
func InvalidIP(ip string) *AppError {
	return New(ErrInvalidIP, "Invalid IP address", http.StatusBadRequest).WithMetadata("ip", ip)
}

// AttemptNotFound creates a login attempt not found error
func AttemptNotFound(id string) *AppError {
	return New(ErrAttemptNotFound, "Login attempt not found", http.StatusNotFound).WithMetadata("attempt_id", id)
}

// AttemptFinalized reports that an attempt's outcome was already recorded
func AttemptFinalized(id string) *AppError {
	return New(ErrAttemptFinalized, "Login attempt outcome already recorded", http.StatusConflict).WithMetadata("attempt_id", id)
}

// DatabaseError creates a database error
func DatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrDatabase, "Database operation failed", http.StatusInternalServerError).WithDetails(operation)
}

// CacheError creates a cache error
func CacheError(operation string, err error) *AppError {
	return Wrap(err, ErrCache, "Cache operation failed", http.StatusServiceUnavailable).WithDetails(operation)
}

// ErrorResponse is the JSON body written by HandleError
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client. Errors that are not an
// AppError are reported as internal errors without leaking their text.
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	reqID, _ := c.Get("request_id")
	reqIDStr, _ := reqID.(string)

	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.StatusCode, ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	})
}

// IsErrorCode reports whether an AppError with code is in err's chain
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode maps err to a response status, 500 for anything that is not an AppError
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
