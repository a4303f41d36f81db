// Package errs defines the error taxonomy shared by the store, the services
// and the transports.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindRetryable
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "AUTHENTICATION"
	case KindAuthorization:
		return "AUTHORIZATION"
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRetryable:
		return "RETRYABLE"
	case KindConflict:
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// Error is the application error type. Code is a stable machine-readable
// identifier sent to clients; Fields holds per-field validation messages.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string, cause error) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// Authentication is fatal to a connection.
func Authentication(code, message string, cause error) error {
	return newError(KindAuthentication, code, message, cause)
}

// Authorization refuses a single operation; the connection survives.
func Authorization(message string) error {
	return newError(KindAuthorization, "FORBIDDEN", message, nil)
}

// Validation carries optional per-field messages.
func Validation(message string, fields map[string]string) error {
	e := newError(KindValidation, "VALIDATION_FAILED", message, nil)
	e.Fields = fields
	return e
}

func NotFound(what string) error {
	return newError(KindNotFound, "NOT_FOUND", what+" not found", nil)
}

// Retryable marks an infrastructure failure the caller may retry with backoff.
func Retryable(message string, cause error) error {
	return newError(KindRetryable, "UNAVAILABLE", message, cause)
}

func Conflict(message string) error {
	return newError(KindConflict, "CONFLICT", message, nil)
}

func Internal(message string, cause error) error {
	return newError(KindInternal, "INTERNAL", message, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the client-facing code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return KindInternal.String()
}

// FieldsOf returns validation field messages, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps a kind onto the status code used by the HTTP handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRetryable:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
