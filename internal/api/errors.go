package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the small set of user-facing failure classes a resource API
// call can end in.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindServer       ErrorKind = "server"
	KindNoResponse   ErrorKind = "no_response"
	KindTimeout      ErrorKind = "timeout"
)

var (
	ErrRoomNotFound = &Error{Kind: KindNotFound, Message: "room not found"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "not authorized"}
	ErrNoResponse   = &Error{Kind: KindNoResponse, Message: "no response from server"}
	ErrTimeout      = &Error{Kind: KindTimeout, Message: "request timed out"}
)

// Error is a classified resource API failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, ErrRoomNotFound) holds for every
// not-found answer regardless of status text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsNotFound reports whether err is a classified not-found answer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound)
}

func statusError(status int, message string) *Error {
	switch status {
	case http.StatusNotFound:
		if message == "" {
			message = ErrRoomNotFound.Message
		}
		return &Error{Kind: KindNotFound, Status: status, Message: message}
	case http.StatusUnauthorized, http.StatusForbidden:
		if message == "" {
			message = ErrUnauthorized.Message
		}
		return &Error{Kind: KindUnauthorized, Status: status, Message: message}
	default:
		if message == "" {
			message = fmt.Sprintf("request failed with status %d", status)
		}
		return &Error{Kind: KindServer, Status: status, Message: message}
	}
}

// transportError classifies a failure that produced no HTTP response.
func transportError(ctx context.Context, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) || (ctx != nil && ctx.Err() != nil) {
		return &Error{Kind: KindTimeout, Message: ErrTimeout.Message, Err: err}
	}
	return &Error{Kind: KindNoResponse, Message: ErrNoResponse.Message, Err: err}
}
