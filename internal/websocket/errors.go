package websocket

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
)

var (
	ErrConnect            = errors.New("channel connect failed")
	ErrConnectTimeout     = errors.New("channel connect timed out")
	ErrNotConnected       = errors.New("channel not connected")
	ErrAlreadyOpen        = errors.New("channel already open")
	ErrSendBufferFull     = errors.New("channel send buffer full")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ErrorClass groups failures by how the session should react to them
type ErrorClass string

const (
	// Retried by the reconnect schedule
	ClassTransient ErrorClass = "transient"
	// Reconnect gave up; surfaced to the user
	ClassExhausted ErrorClass = "exhausted"
	// Dropped input, logged only
	ClassValidation ErrorClass = "validation"
	// A resource API call failed
	ClassRemote ErrorClass = "remote"
)

// Classify maps an error from this package to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconnectExhausted):
		return ClassExhausted
	case errors.Is(err, ErrMalformedFrame):
		return ClassValidation
	case errors.Is(err, ErrConnect), errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrSendBufferFull),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ClassTransient
		}
		return ClassRemote
	}
}

// CloseCode extracts the close code from a read error. Errors that carry no
// close frame count as an abnormal closure (1006).
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
