// Package apperr classifies failures so the HTTP boundary can map them to a
// status code and a translated message without leaking internal detail.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the class of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
)

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind, a message ID for the client and the underlying cause.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("app error (%d)", e.Kind.Status())
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code string, err error) *Error { return New(KindValidation, code, err) }

func Unauthenticated() *Error { return New(KindUnauthenticated, "err_unauthenticated", nil) }

func Forbidden(code string) *Error { return New(KindForbidden, code, nil) }

func NotFound(code string) *Error { return New(KindNotFound, code, nil) }

func Internal(err error) *Error { return New(KindInternal, "err_internal", err) }

// As extracts an *Error from err. Anything unclassified is internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
