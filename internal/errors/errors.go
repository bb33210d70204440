package errors

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Code identifies a business error. The set is closed: every code carries a
// fixed HTTP status and a default message, and handlers never invent codes
// outside this list.
type Code string

const (
	CodeLicenseNotFound   Code = "LICENSE_NOT_FOUND"
	CodeProductNotFound   Code = "PRODUCT_NOT_FOUND"
	CodeProductInactive   Code = "PRODUCT_INACTIVE"
	CodeLicenseRevoked    Code = "LICENSE_REVOKED"
	CodeLicenseExpired    Code = "LICENSE_EXPIRED"
	CodeDomainChangeLimit Code = "DOMAIN_CHANGE_LIMIT_EXCEEDED"
	CodeNotActivated      Code = "NOT_ACTIVATED"
	CodeDomainMismatch    Code = "DOMAIN_MISMATCH"
	CodeValidationError   Code = "VALIDATION_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError     Code = "INTERNAL_ERROR"
)

// APIError is the error half of the response envelope:
//
//	{"success": false, "error": {"code", "message", "details"}}
//
// It implements both error and render.Renderer so service code can return
// it directly and handlers can render it without re-mapping.
type APIError struct {
	StatusCode int       `json:"-"`
	Body       ErrorBody `json:"error"`
	Success    bool      `json:"success"`

	// RetryAt, when set, is the instant the throttling window resets.
	// The transport surfaces it as a Retry-After header; it is not part
	// of the JSON body.
	RetryAt time.Time `json:"-"`
}

// ErrorBody is the wire shape of a business error.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return string(e.Body.Code) + ": " + e.Body.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError with the given status, code, and message.
func New(statusCode int, code Code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Body:       ErrorBody{Code: code, Message: message},
	}
}

// WithDetails returns a copy of e carrying structured details, so the
// shared sentinels below are never mutated.
func (e *APIError) WithDetails(details any) *APIError {
	clone := *e
	clone.Body.Details = details
	return &clone
}

// WithMessage returns a copy of e with a request-specific message.
func (e *APIError) WithMessage(message string) *APIError {
	clone := *e
	clone.Body.Message = message
	return &clone
}

// WithRetryAt returns a copy of e carrying the throttle window reset.
func (e *APIError) WithRetryAt(retryAt time.Time) *APIError {
	clone := *e
	clone.RetryAt = retryAt
	return &clone
}

// Predefined errors, one per taxonomy entry. NOT_ACTIVATED and
// DOMAIN_MISMATCH differ by operation: validate treats them as policy
// denials (403), deactivate as caller state errors (400).
var (
	ErrLicenseNotFound = New(http.StatusNotFound, CodeLicenseNotFound, "License key not found")
	ErrProductNotFound = New(http.StatusNotFound, CodeProductNotFound, "License key is not valid for this product")
	ErrProductInactive = New(http.StatusForbidden, CodeProductInactive, "The product for this license is no longer active")
	ErrLicenseRevoked  = New(http.StatusForbidden, CodeLicenseRevoked, "This license has been revoked")
	ErrLicenseExpired  = New(http.StatusForbidden, CodeLicenseExpired, "This license has expired")

	ErrDomainChangeLimit = New(http.StatusForbidden, CodeDomainChangeLimit, "Domain change limit reached for this license")

	ErrNotActivated           = New(http.StatusForbidden, CodeNotActivated, "License has not been activated on any domain")
	ErrDomainMismatch         = New(http.StatusForbidden, CodeDomainMismatch, "License is active on a different domain")
	ErrDeactivateNotActivated = New(http.StatusBadRequest, CodeNotActivated, "License has no active domain to deactivate")
	ErrDeactivateMismatch     = New(http.StatusBadRequest, CodeDomainMismatch, "License is not active on the requested domain")

	ErrRateLimitExceeded = New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many requests, please retry later")
	ErrInternal          = New(http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred")
)

// FieldError describes a single failed validation constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validation creates a VALIDATION_ERROR carrying per-field details,
// keeping malformed-input failures distinct from business-rule denials.
func Validation(fields []FieldError) *APIError {
	return New(http.StatusBadRequest, CodeValidationError, "Request validation failed").WithDetails(fields)
}

// Internal wraps an unexpected error. The cause is intentionally dropped
// from the response body: it is logged server-side with full context and
// must never cross the trust boundary.
func Internal(err error) *APIError {
	return ErrInternal
}
