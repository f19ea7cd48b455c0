// Package atperr categorizes the errors that cross the ATP callback
// boundary so a host can decide whether a failure is its own fault, the
// peer's, or an internal protocol bug worth logging.
package atperr

import (
	"errors"
	"fmt"
)

// Category classifies an error raised anywhere in the connection core.
type Category int

const (
	// OK is the zero value; GetCategory returns it for a nil error.
	OK Category = iota

	// StateViolation means the caller invoked an operation illegal in the
	// connection's current FSM state (e.g. write() before CONNECTED).
	StateViolation

	// MalformedPacket means the packet codec rejected a buffer (Decode of a
	// short inbound buffer, Encode of an oversized payload) or a handshake
	// payload was too short to carry a sock_id.
	MalformedPacket

	// PeerReset means an inbound RST moved the connection to RESET.
	PeerReset

	// ResourceExhausted means the sock_id pool is exhausted, or a
	// registration slot (a sock_id/peer pair or a listening port) is
	// already taken.
	ResourceExhausted

	// SendFailed means the SENDTO callback reported a hard failure.
	SendFailed

	// HandshakeTimeout means the connection gave up after exhausting the
	// retransmissions of an unacknowledged packet (SYN, FIN or data).
	HandshakeTimeout

	// CallbackRejected means a host callback returned REJECT or ERROR and
	// aborted the transition that invoked it.
	CallbackRejected

	// Unknown is returned by GetCategory for errors this package didn't mint.
	Unknown
)

func (c Category) String() string {
	switch c {
	case OK:
		return "ok"
	case StateViolation:
		return "state-violation"
	case MalformedPacket:
		return "malformed-packet"
	case PeerReset:
		return "peer-reset"
	case ResourceExhausted:
		return "resource-exhausted"
	case SendFailed:
		return "send-failed"
	case HandshakeTimeout:
		return "handshake-timeout"
	case CallbackRejected:
		return "callback-rejected"
	default:
		return "unknown"
	}
}

type categorized struct {
	error
	category Category
}

// New creates a new categorized error. The argument may be an error or a
// string; anything else is formatted with '%v'.
func (c Category) New(v interface{}) error {
	var err error
	switch v := v.(type) {
	case nil:
		return nil
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	return &categorized{error: err, category: c}
}

// Newf creates a categorized error from a format string, as fmt.Errorf.
func (c Category) Newf(format string, a ...interface{}) error {
	return &categorized{error: fmt.Errorf(format, a...), category: c}
}

// Unwrap exposes the underlying error to errors.Is/errors.As.
func (ce *categorized) Unwrap() error {
	return ce.error
}

// GetCategory returns the category of err, OK for nil, Unknown for an
// error this package didn't mint.
func GetCategory(err error) Category {
	if err == nil {
		return OK
	}
	for {
		if ce, ok := err.(*categorized); ok {
			return ce.category
		}
		var uw interface{ Unwrap() error }
		if !errors.As(err, &uw) {
			return Unknown
		}
		if err = uw.Unwrap(); err == nil {
			return Unknown
		}
	}
}
