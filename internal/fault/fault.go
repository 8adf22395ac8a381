// Package fault defines the error taxonomy shared by the update engine.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind categorizes update engine errors.
type Kind int

const (
	// Unknown is used for errors that carry no classification.
	Unknown Kind = iota

	// Transport indicates an I/O failure on the network or serial link.
	Transport

	// Timeout indicates no response arrived within the allowed bound.
	Timeout

	// Framing indicates a malformed or mismatched protocol frame.
	Framing

	// Integrity indicates a checksum or read-back mismatch.
	Integrity

	// Capacity indicates the image, pool or queue cannot hold the data.
	Capacity

	// Format indicates malformed manifest, record or index content.
	Format

	// Device indicates a failure reported by the storage or partition layer.
	Device
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport error"
	case Timeout:
		return "timeout"
	case Framing:
		return "framing error"
	case Integrity:
		return "integrity error"
	case Capacity:
		return "capacity error"
	case Format:
		return "format error"
	case Device:
		return "device error"
	default:
		return "unknown error"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return Is(err, Timeout)
}

// Retryable reports whether a bounded retry may clear the error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transport, Timeout, Framing:
		return true
	default:
		return false
	}
}
