package streaming

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class buckets every failure the client can see into the retry policy
// groups the coordinator acts on.
type Class int

const (
	// ClassUnknown covers errors produced outside this package.
	ClassUnknown Class = iota
	// ClassConfig is fatal: bad credentials or setup, never retried.
	ClassConfig
	// ClassAuth means the bearer or scoped token was rejected; retryable
	// after a token re-exchange.
	ClassAuth
	// ClassConflict means the channel or its offset is no longer valid on
	// the server side; retryable after channel re-open.
	ClassConflict
	// ClassTransient covers network failures, timeouts, and 5xx responses;
	// retryable as-is.
	ClassTransient
	// ClassSchema is fatal for the batch: the record shape or encoded size
	// does not fit the target table or payload limits.
	ClassSchema
)

func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassAuth:
		return "auth"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// Error is the single error type emitted by the streaming client. Status is
// the HTTP status code when the failure came from a response, zero otherwise.
type Error struct {
	Class  Class
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Msg != "":
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Class, e.Status, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Err)
	default:
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Class, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, op, msg string) *Error {
	return &Error{Class: class, Op: op, Msg: msg}
}

func wrapError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the retry class from err. Context cancellation and plain
// network failures map to Transient so the caller's budget, not the error
// shape, decides when to give up.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassUnknown
}

// classifyStatus maps an HTTP response status to the error class used by
// every network operation in the client.
func classifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 409:
		return ClassConflict
	case status == 429 || status >= 500:
		return ClassTransient
	default:
		return ClassConfig
	}
}

func httpError(op string, status int, body string) *Error {
	const maxBody = 500
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{Class: classifyStatus(status), Op: op, Status: status, Msg: body}
}
