// Package apperr defines the error taxonomy shared by the dispatch
// engine and its HTTP surface. Handlers map codes to statuses in one
// place instead of inventing ad-hoc errors per endpoint.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeNoDriver     Code = "no_driver_available"
	CodeOfferTimeout Code = "offer_timeout"
	CodePayment      Code = "payment_failure"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeInternal     Code = "internal_error"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func NoDriver(format string, args ...any) *Error {
	return New(CodeNoDriver, format, args...)
}

func OfferTimeout(format string, args ...any) *Error {
	return New(CodeOfferTimeout, format, args...)
}

func Payment(err error, message string) *Error {
	return Wrap(CodePayment, err, message)
}

// CodeOf extracts the taxonomy code from any error in the chain.
// Unrecognized errors report CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps a taxonomy code to the response status contract:
// 400 validation, 401 token, 403 role, 404 unknown id, 409 conflict,
// 503 when dispatch retries are exhausted, 402 payment failure.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNoDriver, CodeOfferTimeout:
		return http.StatusServiceUnavailable
	case CodePayment:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
