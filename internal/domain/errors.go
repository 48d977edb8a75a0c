// Package domain holds the shared vocabulary of the simulation core: the
// closed error taxonomy, the API response envelope, and the DTOs exchanged
// between the instance controller, the creation pipeline, and the transport
// layer. It has no infrastructure dependencies.
package domain

import (
	"errors"
	"fmt"
)

// Code identifies one member of the closed error taxonomy. Transport maps
// codes to HTTP statuses; the core never invents codes outside this set.
type Code string

const (
	CodeValidation          Code = "ValidationError"
	CodeTemplateNotFound    Code = "TemplateNotFound"
	CodeInstanceNotFound    Code = "InstanceNotFound"
	CodeStockNotFound       Code = "StockNotFound"
	CodeSeriesNotFound      Code = "SeriesNotFound"
	CodeProgressNotFound    Code = "ProgressNotFound"
	CodeIllegalState        Code = "IllegalState"
	CodeIllegalTransition   Code = "IllegalTransition"
	CodeUnknownObject       Code = "UnknownObject"
	CodeInstanceBusy        Code = "InstanceBusy"
	CodeStageTimeout        Code = "StageTimeout"
	CodeWorkerCrashed       Code = "WorkerCrashed"
	CodeLaggingSubscriber   Code = "LaggingSubscriber"
	CodeTimestampRegression Code = "TimestampRegression"
	CodeSeriesExists        Code = "SeriesExists"
	CodeInvalidAcceleration Code = "InvalidAcceleration"
	CodeInsufficientShares  Code = "InsufficientShares"
	CodeOversubscribed      Code = "OversubscribedShares"
	CodeCancelled           Code = "Cancelled"
	CodeForbidden           Code = "Forbidden"
	CodeInternal            Code = "InternalError"
)

// Error is the taxonomy-carrying error type. Details is optional structured
// context safe to serialize to clients.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// NewError creates a taxonomy error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a taxonomy error wrapping an underlying cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured context and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the taxonomy code from err. Errors outside the taxonomy
// report CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
