// Package apperr defines the gateway's error taxonomy. Every error that
// reaches an HTTP response carries a stable code for programmatic branching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Code    string
	Status  int
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinels compare equal to derived errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation        = &Error{Code: "validation_error", Status: http.StatusBadRequest, Message: "Validation failed"}
	ErrUnauthenticated   = &Error{Code: "unauthenticated", Status: http.StatusUnauthorized, Message: "Caller credentials are required"}
	ErrUnauthorized      = &Error{Code: "unauthorized", Status: http.StatusForbidden, Message: "Invalid or disabled caller credentials"}
	ErrMappingNotFound   = &Error{Code: "mapping_not_found", Status: http.StatusNotFound, Message: "Mapping not found"}
	ErrMappingInactive   = &Error{Code: "mapping_inactive", Status: http.StatusForbidden, Message: "Mapping is inactive"}
	ErrPaymentRequired   = &Error{Code: "Payment Required", Status: http.StatusPaymentRequired, Message: "Payment required"}
	ErrUpstreamTransport = &Error{Code: "upstream_error", Status: http.StatusInternalServerError, Message: "Upstream request failed"}
	ErrStore             = &Error{Code: "store_error", Status: http.StatusInternalServerError, Message: "Storage failure"}
	ErrInvoiceNotFound   = &Error{Code: "invoice_not_found", Status: http.StatusNotFound, Message: "Invoice not found"}
	ErrReceiptNotFound   = &Error{Code: "receipt_not_found", Status: http.StatusNotFound, Message: "Receipt not found"}
	ErrPublisherNotFound = &Error{Code: "publisher_not_found", Status: http.StatusNotFound, Message: "Publisher not found"}
	ErrCallerKeyNotFound = &Error{Code: "caller_key_not_found", Status: http.StatusNotFound, Message: "Caller key not found"}
	ErrConflict          = &Error{Code: "conflict", Status: http.StatusConflict, Message: "Conflicting state"}
	ErrRateLimited       = &Error{Code: "rate_limit_exceeded", Status: http.StatusTooManyRequests, Message: "Rate limit exceeded"}
)

// New derives an error from a sentinel with a specific message.
func New(base *Error, msg string) *Error {
	return &Error{Code: base.Code, Status: base.Status, Message: msg}
}

// WithDetails derives an error from a sentinel carrying structured details.
func WithDetails(base *Error, msg string, details any) *Error {
	return &Error{Code: base.Code, Status: base.Status, Message: msg, Details: details}
}

// Store wraps a persistence failure.
func Store(op string, err error) *Error {
	return &Error{Code: ErrStore.Code, Status: ErrStore.Status, Message: op, Err: err}
}

// From extracts an *Error from err, falling back to a store error for
// anything unclassified.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrStore.Code, Status: ErrStore.Status, Message: "Internal error", Err: err}
}
