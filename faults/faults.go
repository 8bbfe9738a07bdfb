// Package faults defines the error taxonomy shared by the API surface and
// the background loops. Every user-visible failure maps to exactly one kind.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for transport mapping and retry decisions.
type Kind string

const (
	InvalidArgument         Kind = "InvalidArgument"
	Unauthenticated         Kind = "Unauthenticated"
	Forbidden               Kind = "Forbidden"
	NotFound                Kind = "NotFound"
	AlreadyExists           Kind = "AlreadyExists"
	PreconditionFailed      Kind = "PreconditionFailed"
	Conflict                Kind = "Conflict"
	Unsupported             Kind = "Unsupported"
	Timeout                 Kind = "Timeout"
	ChainAdapterUnavailable Kind = "ChainAdapterUnavailable"
	SignatureInvalid        Kind = "SignatureInvalid"
	Internal                Kind = "Internal"
)

// Error couples a kind with a human-readable message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var fault *Error
	if errors.As(err, &fault) {
		return fault.Kind
	}
	return Internal
}

// Message returns the user-facing message without the cause chain.
func Message(err error) string {
	var fault *Error
	if errors.As(err, &fault) {
		return fault.Msg
	}
	return "internal error"
}

// HTTPStatus maps a kind onto its transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Conflict:
		return http.StatusConflict
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case Unsupported:
		return http.StatusUnprocessableEntity
	case Timeout:
		return http.StatusGatewayTimeout
	case ChainAdapterUnavailable:
		return http.StatusBadGateway
	case SignatureInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
