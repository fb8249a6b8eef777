// Package apperr defines the application error taxonomy. Every error that
// can reach a client is an *Error with a stable code and an HTTP status;
// anything else is surfaced as InternalError without detail leakage.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the API contract.
const (
	CodeValidation         = "ValidationError"
	CodeUnauthorized       = "Unauthorized"
	CodeForbidden          = "Forbidden"
	CodeNotFound           = "NotFound"
	CodeConflict           = "Conflict"
	CodeSessionExpired     = "SessionExpired"
	CodeRateLimited        = "RateLimited"
	CodeInsufficientTokens = "InsufficientTokens"
	CodeInvalidPlan        = "InvalidPlan"
	CodeInvalidAmount      = "InvalidAmount"
	CodeLLMUnavailable     = "LLMUnavailable"
	CodeLLMMalformed       = "LLMMalformed"
	CodeLLMRefused         = "LLMRefused"
	CodePaymentFailed      = "PaymentFailed"
	CodeInternal           = "InternalError"
)

// Error is a client-visible failure with a stable code.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an internal cause. The cause is logged, never serialized.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithDetails attaches structured context for the client to render.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

// Is matches on code so sentinel comparisons work across WithCause copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newErr(code string, status int, msg string) *Error {
	return &Error{Code: code, Message: msg, Status: status}
}

// Constructors, one per taxonomy entry.

func Validation(msg string) *Error { return newErr(CodeValidation, http.StatusBadRequest, msg) }

func Unauthorized(msg string) *Error { return newErr(CodeUnauthorized, http.StatusUnauthorized, msg) }

func Forbidden(msg string) *Error { return newErr(CodeForbidden, http.StatusForbidden, msg) }

func NotFound(msg string) *Error { return newErr(CodeNotFound, http.StatusNotFound, msg) }

// Conflict is internal to the content store; handlers never emit it.
func Conflict(msg string) *Error { return newErr(CodeConflict, http.StatusConflict, msg) }

func SessionExpired(msg string) *Error { return newErr(CodeSessionExpired, http.StatusGone, msg) }

func RateLimited(msg string, retryAfterSec int) *Error {
	return newErr(CodeRateLimited, http.StatusTooManyRequests, msg).
		WithDetails(map[string]any{"retry_after": retryAfterSec})
}

func InsufficientTokens(available, required int, resetAt string) *Error {
	return newErr(CodeInsufficientTokens, http.StatusTooManyRequests, "not enough tokens").
		WithDetails(map[string]any{"available": available, "required": required, "reset_at": resetAt})
}

func InvalidPlan(msg string) *Error { return newErr(CodeInvalidPlan, http.StatusBadRequest, msg) }

func InvalidAmount(msg string) *Error { return newErr(CodeInvalidAmount, http.StatusBadRequest, msg) }

func LLMUnavailable(msg string) *Error { return newErr(CodeLLMUnavailable, http.StatusBadGateway, msg) }

func LLMMalformed(msg string) *Error { return newErr(CodeLLMMalformed, http.StatusBadGateway, msg) }

func LLMRefused(msg string) *Error {
	return newErr(CodeLLMRefused, http.StatusUnprocessableEntity, msg)
}

func PaymentFailed(msg string) *Error {
	return newErr(CodePaymentFailed, http.StatusPaymentRequired, msg)
}

func Internal(msg string) *Error { return newErr(CodeInternal, http.StatusInternalServerError, msg) }

// From normalizes any error into an *Error suitable for the response
// envelope. Unknown errors collapse to InternalError with a generic message.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error").WithCause(err)
}

// IsCode reports whether err carries the given application code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
