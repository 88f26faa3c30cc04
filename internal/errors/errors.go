// Package errors provides standardized error handling for the signing service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the signing service.
type ErrorCode string

const (
	// Validation errors
	SIGN_VALIDATION          ErrorCode = "SIGN_VALIDATION"          // General validation error
	SIGN_INVALID_WORKFLOW    ErrorCode = "SIGN_INVALID_WORKFLOW"    // Request structure rejected at creation
	SIGN_INVALID_FIELD_VALUE ErrorCode = "SIGN_INVALID_FIELD_VALUE" // Value shape does not match field type
	SIGN_CAPTURE_EMPTY       ErrorCode = "SIGN_CAPTURE_EMPTY"       // No strokes drawn for a signature capture
	SIGN_BAD_REQUEST         ErrorCode = "SIGN_BAD_REQUEST"         // Bad request

	// Authorization/ordering errors
	SIGN_OUT_OF_ORDER   ErrorCode = "SIGN_OUT_OF_ORDER"   // Lower-order recipients have not signed yet
	SIGN_FIELD_LOCKED   ErrorCode = "SIGN_FIELD_LOCKED"   // Field immutable after the owner signed
	SIGN_NOT_OWNER      ErrorCode = "SIGN_NOT_OWNER"      // Caller is not the owning recipient
	SIGN_AUTHZ          ErrorCode = "SIGN_AUTHZ"          // Authorization failed
	SIGN_AUTHN          ErrorCode = "SIGN_AUTHN"          // Authentication failed
	SIGN_JWT_INVALID    ErrorCode = "SIGN_JWT_INVALID"    // Invalid JWT
	SIGN_JWT_EXPIRED    ErrorCode = "SIGN_JWT_EXPIRED"    // Expired JWT
	SIGN_JWT_MALFORMED  ErrorCode = "SIGN_JWT_MALFORMED"  // Malformed JWT

	// State errors (terminal for the attempted operation)
	SIGN_REQUEST_EXPIRED   ErrorCode = "SIGN_REQUEST_EXPIRED"   // Request deadline passed
	SIGN_ALREADY_SIGNED    ErrorCode = "SIGN_ALREADY_SIGNED"    // Recipient already finalized
	SIGN_INCOMPLETE_FIELDS ErrorCode = "SIGN_INCOMPLETE_FIELDS" // Required fields missing values
	SIGN_NOT_COMPLETED     ErrorCode = "SIGN_NOT_COMPLETED"     // Certificate requires a completed request

	// Resource errors
	SIGN_NOT_FOUND ErrorCode = "SIGN_NOT_FOUND" // Resource not found
	SIGN_CONFLICT  ErrorCode = "SIGN_CONFLICT"  // Resource conflict

	// Server errors
	SIGN_INTERNAL    ErrorCode = "SIGN_INTERNAL"    // Internal server error
	SIGN_UNAVAILABLE ErrorCode = "SIGN_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
// Rule-violation messages name the specific unmet precondition so the
// ordering and completeness invariants are debuggable from the error alone.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, correlationID, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), correlationID)
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the ErrorCode from an error, or SIGN_INTERNAL when the
// error did not originate from this package.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return SIGN_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SIGN_VALIDATION, SIGN_INVALID_WORKFLOW, SIGN_INVALID_FIELD_VALUE, SIGN_CAPTURE_EMPTY, SIGN_BAD_REQUEST:
		return http.StatusBadRequest
	case SIGN_OUT_OF_ORDER, SIGN_FIELD_LOCKED, SIGN_NOT_OWNER, SIGN_AUTHZ:
		return http.StatusForbidden
	case SIGN_AUTHN, SIGN_JWT_INVALID, SIGN_JWT_EXPIRED, SIGN_JWT_MALFORMED:
		return http.StatusUnauthorized
	case SIGN_REQUEST_EXPIRED, SIGN_ALREADY_SIGNED, SIGN_INCOMPLETE_FIELDS, SIGN_NOT_COMPLETED:
		return http.StatusConflict
	case SIGN_NOT_FOUND:
		return http.StatusNotFound
	case SIGN_CONFLICT:
		return http.StatusConflict
	case SIGN_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
