// Package jobsvcerr defines the structured error taxonomy shared by the
// Job Store, the Coordinator API, and the Worker Agent, so that callers
// can branch on a stable Code/Category pair with errors.As instead of
// string-matching error messages.
package jobsvcerr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Code is a stable, comparable error identifier.
type Code string

const (
	CodeSchema       Code = "SCHEMA_ERROR"
	CodeNotClaimable Code = "NOT_CLAIMABLE"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeStoreWrite   Code = "STORE_WRITE_ERROR"
	CodeTransientNet Code = "TRANSIENT_NETWORK_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
)

// Category groups codes for coarse-grained handling.
type Category string

const (
	CategoryClient  Category = "CLIENT_REQUEST"
	CategoryStore   Category = "STORE"
	CategoryNetwork Category = "NETWORK"
	CategoryAuth    Category = "AUTH"
)

// Error is the single structured error type used across the system. It
// carries enough context to render an HTTP response (see internal/api)
// and to decide retry behavior (see internal/agent) without the caller
// needing to parse a message string.
type Error struct {
	Code      Code
	Category  Category
	Message   string
	Retryable bool
	RequestID string
	Timestamp time.Time
	Cause     error

	// StatusCode is the HTTP status a worker-side call received, when
	// this Error wraps a response from doWithRetry. Zero when the Error
	// was never attached to an HTTP response (e.g. it originated on the
	// coordinator side).
	StatusCode int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Code so errors.Is(err, jobsvcerr.New(CodeNotClaimable, ""))
// style sentinels work without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func categoryFor(code Code) Category {
	switch code {
	case CodeSchema:
		return CategoryClient
	case CodeUnauthorized:
		return CategoryAuth
	case CodeStoreWrite:
		return CategoryStore
	case CodeTransientNet:
		return CategoryNetwork
	default:
		return CategoryClient
	}
}

func retryableFor(code Code) bool {
	return code == CodeTransientNet || code == CodeStoreWrite
}

// New builds an Error with a fresh request id.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryFor(code),
		Message:   message,
		Retryable: retryableFor(code),
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// Schema reports a malformed or incomplete request body.
func Schema(message string) *Error { return New(CodeSchema, message) }

// NotClaimable reports that the requested transition is illegal given
// the job's current status.
func NotClaimable(message string) *Error { return New(CodeNotClaimable, message) }

// Unauthorized reports an operator PIN mismatch.
func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }

// StoreWrite wraps an underlying storage failure.
func StoreWrite(message string, cause error) *Error { return Wrap(CodeStoreWrite, message, cause) }

// TransientNetwork wraps a worker-side HTTP failure that is safe to retry.
func TransientNetwork(message string, cause error) *Error {
	return Wrap(CodeTransientNet, message, cause)
}

// NotFound reports an absent job id.
func NotFound(message string) *Error { return New(CodeNotFound, message) }

// HTTPStatus maps an Error's code onto the HTTP status codes named in
// the wire protocol: 400 schema, 401 PIN mismatch, 404 absent or
// not-claimable, 5xx store errors.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeSchema:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeNotClaimable, CodeNotFound:
		return 404
	case CodeStoreWrite:
		return 500
	default:
		return 500
	}
}
