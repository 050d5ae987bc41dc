package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind int

const (
	// KindValidation is bad caller input. Nothing changed.
	KindValidation Kind = iota + 1
	// KindMediaAccess is a device or permission failure. The caller may retry.
	KindMediaAccess
	// KindNegotiation is malformed or unusable remote data. It is absorbed
	// locally and the call continues.
	KindNegotiation
	// KindInvalidState is an operation the current state forbids.
	KindInvalidState
	// KindTransport is a hub connection failure.
	KindTransport
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation   = errors.New("validation error")
	ErrMediaAccess  = errors.New("media access error")
	ErrNegotiation  = errors.New("negotiation error")
	ErrInvalidState = errors.New("invalid state")
	ErrTransport    = errors.New("transport error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindMediaAccess:
		return ErrMediaAccess
	case KindNegotiation:
		return ErrNegotiation
	case KindInvalidState:
		return ErrInvalidState
	case KindTransport:
		return ErrTransport
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind Kind
	// Op names the operation or inbound event that failed, e.g. "startCall"
	// or "remote candidate".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HubError is an error frame the hub sent to this participant.
type HubError struct {
	Code    string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub error %s: %s", e.Code, e.Message)
}
