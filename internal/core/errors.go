package core

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/wiregate/internal/broker"
)

// Error codes sent to clients in error frames.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeInvalidMessage    = "invalid_message"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeNotSubscribed     = "not_subscribed"
	ErrCodeAlreadySubscribed = "already_subscribed"
	ErrCodeReservedChannel   = "reserved_channel"
	ErrCodeNotPending        = "not_pending"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeUnavailable       = "unavailable"
)

var (
	// ErrProtocol marks a malformed or unknown client frame.
	ErrProtocol = errors.New("protocol error")
	// ErrUnauthorized marks an action the caller's role or channel set forbids.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrIdentityNotFound is returned by Accept and by Directory lookups.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrTransport marks a socket or broker failure that ends the connection.
	ErrTransport = errors.New("transport error")
	// ErrNotPending is the race loss of a decision on an already resolved request.
	ErrNotPending = errors.New("subscription request is not pending")
	// ErrUnavailable is the broker's terminal failure.
	ErrUnavailable = broker.ErrUnavailable
)

// Error is a failure reported back to the client that caused it. Kind is one
// of the sentinels above and is matched with errors.Is.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}
