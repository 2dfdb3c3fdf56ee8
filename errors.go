package mqttcore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of a failed operation or an
// asynchronous interruption, per the error taxonomy.
type ErrorKind uint8

const (
	// KindNone is the zero value; never attached to a returned error.
	KindNone ErrorKind = iota
	KindInvalidState
	KindAlreadyConnected
	KindNotConnected
	KindInvalidTopic
	KindTimeout
	KindUnexpectedHangup
	KindCancelledForCleanSession
	KindConnectionDestroyed
	KindProtocolViolation
	KindTransportFailure
	KindOutOfMemory
	KindBuiltWithoutWebsockets
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid state"
	case KindAlreadyConnected:
		return "already connected"
	case KindNotConnected:
		return "not connected"
	case KindInvalidTopic:
		return "invalid topic"
	case KindTimeout:
		return "timeout"
	case KindUnexpectedHangup:
		return "unexpected hangup"
	case KindCancelledForCleanSession:
		return "cancelled for clean session"
	case KindConnectionDestroyed:
		return "connection destroyed"
	case KindProtocolViolation:
		return "protocol violation"
	case KindTransportFailure:
		return "transport failure"
	case KindOutOfMemory:
		return "out of memory"
	case KindBuiltWithoutWebsockets:
		return "built without websockets"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned synchronously by the
// public API and passed to completion callbacks. It wraps an
// ErrorKind plus, where one exists, the underlying cause.
type Error struct {
	Kind   ErrorKind
	Reason string
	Cause  error
}

func newErr(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func wrapErr(kind ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mqttcore: %s: %s", e.Kind, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("mqttcore: %s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("mqttcore: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows `errors.Is(err, mqttcore.ErrTimeout)`-style comparisons:
// it matches any *Error target carrying the same ErrorKind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the ErrorKind carried by err, or KindNone if err is
// nil or not one produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Sentinel instances for equality checks against a particular kind,
// e.g. `if mqttcore.KindOf(err) == mqttcore.KindTimeout`.
var (
	ErrInvalidState             = newErr(KindInvalidState, "")
	ErrAlreadyConnected          = newErr(KindAlreadyConnected, "")
	ErrNotConnected              = newErr(KindNotConnected, "")
	ErrInvalidTopic              = newErr(KindInvalidTopic, "")
	ErrTimeout                   = newErr(KindTimeout, "")
	ErrUnexpectedHangup          = newErr(KindUnexpectedHangup, "")
	ErrCancelledForCleanSession  = newErr(KindCancelledForCleanSession, "")
	ErrConnectionDestroyed       = newErr(KindConnectionDestroyed, "")
	ErrProtocolViolation         = newErr(KindProtocolViolation, "")
	ErrTransportFailure          = newErr(KindTransportFailure, "")
	ErrOutOfMemory               = newErr(KindOutOfMemory, "")
	ErrBuiltWithoutWebsockets    = newErr(KindBuiltWithoutWebsockets, "")
)
