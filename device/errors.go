/*
NAME
  errors.go

DESCRIPTION
  errors.go implements the seven-kind error taxonomy used across the
  engine (device, stream, iodev, rclient, server) per spec.md §7.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package device

import "fmt"

// Kind classifies an Error for the purposes of deciding how to respond to
// it: reject the request, retry later, drop the peer, or crash.
type Kind int

const (
	// InvalidArgument means the request itself is malformed or violates
	// an invariant; retrying without changing the request will not help.
	InvalidArgument Kind = iota
	// ResourceExhausted means a fixed-size table (streams, devices,
	// clients) is full.
	ResourceExhausted
	// DeviceBusy means the device exists but cannot honour the request
	// right now (e.g. exclusive-mode conflict).
	DeviceBusy
	// DeviceUnavailable means opening or operating the underlying
	// hardware/virtual resource failed.
	DeviceUnavailable
	// PeerGone means the client connection that owns this request has
	// disappeared; the caller should clean up rather than report an
	// error to anyone.
	PeerGone
	// Transient means the operation may succeed if retried, with no
	// change to the request (e.g. a momentary driver hiccup).
	Transient
	// Fatal means the engine's internal invariants have been violated
	// and continuing would corrupt state; the process should exit.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid-argument"
	case ResourceExhausted:
		return "resource-exhausted"
	case DeviceBusy:
		return "device-busy"
	case DeviceUnavailable:
		return "device-unavailable"
	case PeerGone:
		return "peer-gone"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the underlying cause, allowing callers to branch
// on the Kind via errors.As while still preserving the original error for
// logging.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, device.NewError(device.DeviceBusy, nil)) works as a kind
// test regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError wraps err (which may be nil) with Kind k.
func NewError(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns Fatal, treating un-annotated errors as the most
// severe case so callers are never silently lenient on an uncategorised
// failure.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Fatal
}

// asError is a small local errors.As to avoid importing errors just for
// this one call site elsewhere in the package.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
