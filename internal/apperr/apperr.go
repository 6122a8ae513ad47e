// Package apperr defines the error taxonomy shared by the account services and
// the HTTP layer. Every failure surfaced to a client is an *Error carrying a
// stable code and a human readable message.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Code string

const (
	CodeUnauthenticated Code = "unauthenticated"
	CodeBadCredentials  Code = "bad_credentials"
	CodeSessionExpired  Code = "session_expired"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeValidation      Code = "validation"
	CodeConflict        Code = "conflict"
	CodeInternal        Code = "internal"
)

// Error is a {code, message} pair, optionally wrapping the cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match on code. A target with a message must also match it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// sentinels usable with errors.Is
var (
	ErrUnauthenticated = &Error{Code: CodeUnauthenticated}
	ErrBadCredentials  = &Error{Code: CodeBadCredentials}
	ErrSessionExpired  = &Error{Code: CodeSessionExpired}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized}
	ErrForbidden       = &Error{Code: CodeForbidden}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrValidation      = &Error{Code: CodeValidation}
	ErrConflict        = &Error{Code: CodeConflict}
	ErrInternal        = &Error{Code: CodeInternal}
)

func New(code Code, message string) *Error { return &Error{Code: code, Message: message} }

func Unauthenticated(msg string) *Error { return New(CodeUnauthenticated, msg) }
func BadCredentials(msg string) *Error  { return New(CodeBadCredentials, msg) }
func SessionExpired(msg string) *Error  { return New(CodeSessionExpired, msg) }
func Unauthorized(msg string) *Error    { return New(CodeUnauthorized, msg) }
func Forbidden(msg string) *Error       { return New(CodeForbidden, msg) }
func NotFound(msg string) *Error        { return New(CodeNotFound, msg) }
func Validation(msg string) *Error      { return New(CodeValidation, msg) }
func Conflict(msg string) *Error        { return New(CodeConflict, msg) }

// Internal wraps err as an internal error. The message is safe to show.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// From returns err as an *Error, promoting anything else to an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("Internal error.", err)
}

// Status maps an error to the HTTP status answered to clients.
func Status(err error) int {
	switch From(err).Code {
	case CodeUnauthenticated, CodeSessionExpired, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeBadCredentials, CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeConflict:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Write answers err as a JSON {code, message} body with its mapped status.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(e))
	_ = json.NewEncoder(w).Encode(e)
}
