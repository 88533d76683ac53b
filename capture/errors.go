package capture

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoPackets reports that no packet arrived within the
	// receive timeout. Transient; poll again.
	ErrNoPackets = errors.New("no packets within timeout")

	// ErrClosed reports an operation on a closed ring transport.
	ErrClosed = errors.New("ring is closed")
)

// OpError records the sub-operation of a recharge cycle that failed.
type OpError struct {
	// "receive" or "return".
	Op  string
	Err error
}

func (e *OpError) Error() string { return "ring " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a recoverable receive condition
// (timeout expired, ring temporarily busy, interrupted by a signal) as
// opposed to a structural failure like a closed handle. Consumers may
// retry transient conditions; structural errors should end the
// reader's lifecycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoPackets) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EBUSY)
}
