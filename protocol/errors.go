package protocol

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrDisposed is returned by calls on a disposed engine, and by calls that were pending when it was disposed.
	ErrDisposed = errors.New("protocol engine disposed")

	// ErrReservedChannel is returned when registering a local channel under DefaultChannel.
	ErrReservedChannel = fmt.Errorf("channel name %q is reserved", DefaultChannel)

	// ErrMalformedMessage is wrapped by transports and Validate when a payload is not a usable message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNoSuchMethod and ErrNoSuchEvent are returned by Channel implementations for unknown names.
	// The engine turns them into MissingMethodError and MissingEventError.
	ErrNoSuchMethod = errors.New("no such method")
	ErrNoSuchEvent  = errors.New("no such event")
)

type MissingChannelError struct {
	Channel string
	// Member is the method or event that was requested on the missing channel.
	Member string
}

func (e *MissingChannelError) Error() string {
	return fmt.Sprintf("missing channel %s (requested %s)", e.Channel, e.Member)
}

func (e *MissingChannelError) ErrorName() string { return "MissingChannelError" }

type MissingMethodError struct {
	Channel string
	Method  string
}

func (e *MissingMethodError) Error() string {
	return fmt.Sprintf("missing method %s on channel %s", e.Method, e.Channel)
}

func (e *MissingMethodError) ErrorName() string { return "MissingMethodError" }

func (e *MissingMethodError) Unwrap() error { return ErrNoSuchMethod }

type MissingEventError struct {
	Channel string
	Event   string
}

func (e *MissingEventError) Error() string {
	return fmt.Sprintf("missing event %s on channel %s", e.Event, e.Channel)
}

func (e *MissingEventError) ErrorName() string { return "MissingEventError" }

func (e *MissingEventError) Unwrap() error { return ErrNoSuchEvent }

// PanicError is reported to the caller when a handler panics while serving a request.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.Value) }

func (e *PanicError) ErrorName() string { return "PanicError" }

func (e *PanicError) ErrorStack() string { return e.Stack }

// SerializedError is the wire encoding of an error.
// IsError distinguishes it from a plain value that a peer rejected with.
type SerializedError struct {
	IsError bool             `json:"$isError" cbor:"$isError"`
	Name    string           `json:"name" cbor:"name"`
	Message string           `json:"message" cbor:"message"`
	Stack   string           `json:"stack,omitempty" cbor:"stack,omitempty"`
	Detail  *SerializedError `json:"detail,omitempty" cbor:"detail,omitempty"`
}

// SerializeError encodes err for a Reply.
//
// The name comes from an ErrorName() method when err has one, and is "Error" otherwise. The stack is taken from
// the first error in the chain that carries one (ErrorStack() or a github.com/pkg/errors stack trace). The first
// wrapped error whose message differs from err's becomes Detail, so causes survive the trip.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	s := &SerializedError{
		IsError: true,
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   errorStack(err),
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		if cause.Error() != s.Message {
			s.Detail = SerializeError(cause)
			break
		}
	}
	return s
}

func errorName(err error) string {
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	return "Error"
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func errorStack(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch st := e.(type) {
		case interface{ ErrorStack() string }:
			return st.ErrorStack()
		case stackTracer:
			return fmt.Sprintf("%s%+v", e.Error(), st.StackTrace())
		}
	}
	return ""
}

// RemoteError is an error that was raised by the peer and reconstructed from its structured encoding.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Detail  *RemoteError
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) ErrorName() string { return e.Name }

func (e *RemoteError) ErrorStack() string { return e.Stack }

func (e *RemoteError) Unwrap() error {
	if e.Detail == nil {
		return nil
	}
	return e.Detail
}

// OpaqueError carries a rejection value that was not a structured error. The value is passed through untouched.
type OpaqueError struct {
	Value any
}

func (e *OpaqueError) Error() string { return fmt.Sprintf("remote rejected with %v", e.Value) }

// DecodeError turns the Err field of a Reply into a Go error.
// Structured errors become *RemoteError, anything else becomes *OpaqueError.
func DecodeError(v any) error {
	switch e := v.(type) {
	case nil:
		return nil
	case *SerializedError:
		if e.IsError {
			return remoteErrorFromSerialized(e)
		}
	case SerializedError:
		if e.IsError {
			return remoteErrorFromSerialized(&e)
		}
	case map[string]any:
		if r := remoteErrorFromMap(e); r != nil {
			return r
		}
	case map[any]any:
		if r := remoteErrorFromMap(stringKeys(e)); r != nil {
			return r
		}
	}
	return &OpaqueError{Value: v}
}

func remoteErrorFromSerialized(s *SerializedError) *RemoteError {
	r := &RemoteError{Name: s.Name, Message: s.Message, Stack: s.Stack}
	if s.Detail != nil && s.Detail.IsError {
		r.Detail = remoteErrorFromSerialized(s.Detail)
	}
	return r
}

func remoteErrorFromMap(m map[string]any) *RemoteError {
	if isErr, _ := m["$isError"].(bool); !isErr {
		return nil
	}
	r := &RemoteError{}
	r.Name, _ = m["name"].(string)
	r.Message, _ = m["message"].(string)
	r.Stack, _ = m["stack"].(string)
	switch d := m["detail"].(type) {
	case map[string]any:
		r.Detail = remoteErrorFromMap(d)
	case map[any]any:
		r.Detail = remoteErrorFromMap(stringKeys(d))
	}
	return r
}

func stringKeys(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if ks, ok := k.(string); ok {
			out[ks] = v
		}
	}
	return out
}
