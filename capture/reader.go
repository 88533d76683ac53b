package capture

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// ErrNilTransport reports a reader constructed without a transport.
var ErrNilTransport = errors.New("nil ring transport")

// ErrSignal wraps os.Signal as an error. Returned by Err() after a
// signal delivered via NotifyWith stopped the reader.
type ErrSignal struct{ os.Signal }

// Error implements error interface.
func (e *ErrSignal) Error() string {
	return fmt.Sprintf("caught signal: %v", e.Signal)
}

// RingReader drives receive/return cycles against a capture ring
// transport. It owns one Batch, applies an optional Filter to every
// received descriptor and exposes the accepted packets to the caller.
//
// A reader is driven by exactly one goroutine and holds a non-owning
// reference to its transport; closing the transport is the caller's
// job and must happen only after Free().
type RingReader struct {
	ring    RingTransport
	timeout time.Duration
	batch   *Batch
	filter  Filter

	qinfo QueueInfo

	// index of the current descriptor
	n int

	stopped atomic.Bool
	sig     os.Signal

	err error
}

// NewRingReader creates a reader over ring. timeout bounds every
// receive: 0 polls without blocking, negative blocks indefinitely.
// burst is the batch capacity, i.e. how many descriptors a single
// ReceiveMany may fill.
//
// Warning: batched receive does not work on aggregated rings for some
// transports. With burst == 1 the reader uses the single-descriptor
// receive path, which works in either case and bypasses the
// return-many protocol entirely.
func NewRingReader(ring RingTransport, timeout time.Duration, burst int) (*RingReader, error) {
	if ring == nil {
		return nil, ErrNilTransport
	}
	batch, err := NewBatch(burst)
	if err != nil {
		return nil, err
	}
	return &RingReader{
		ring:    ring,
		timeout: timeout,
		batch:   batch,
	}, nil
}

// SetFilter installs f as the packet filter for subsequent receives.
// A nil Filter accepts every packet. Must not be called concurrently
// with Recharge or Next; swap filters only between cycles.
func (rr *RingReader) SetFilter(f Filter) { rr.filter = f }

// Batch returns the reader's descriptor batch for indexed access to
// all populated slots, including rejected ones.
func (rr *RingReader) Batch() *Batch { return rr.batch }

// QueueInfo returns ring queue consumption info from the most recent
// batched receive.
func (rr *RingReader) QueueInfo() QueueInfo { return rr.qinfo }

// receiveMany pulls a new batch of descriptors from the transport,
// runs the filter over every populated slot and accounts the borrowed
// ring memory. Transient conditions yield (0, nil).
func (rr *RingReader) receiveMany() (int, error) {
	b := rr.batch
	b.nreqOut = 0

	if b.Cap() == 1 {
		err := rr.ring.ReceiveOne(rr.timeout, &b.reqs[0])
		if err != nil {
			if IsTransient(err) {
				return 0, nil
			}
			return 0, &OpError{Op: "receive", Err: err}
		}
		b.nreqOut = 1
	} else {
		n, err := rr.ring.ReceiveMany(rr.timeout, b.reqs, &rr.qinfo)
		if err != nil {
			if IsTransient(err) {
				return 0, nil
			}
			return 0, &OpError{Op: "receive", Err: err}
		}
		b.nreqOut = n
	}

	for i := 0; i < b.nreqOut; i++ {
		req := &b.reqs[i]
		// Rejected packets still occupy ring memory until the
		// next return, so account them all.
		b.borrowed += req.DataLength
		b.verdicts[i] = rr.filter == nil || rr.filter.Match(req.Data)
	}
	return b.nreqOut, nil
}

// returnMany releases the borrowed ring memory of the current batch.
// If the transport rejects the computed byte count, it is asked once
// more to release everything outstanding; only a failure of that
// fallback is reported. The byte accounting resets on every path so a
// later cycle can never double-return.
func (rr *RingReader) returnMany() error {
	b := rr.batch
	defer func() {
		b.borrowed = 0
		b.nreqOut = 0
	}()

	if b.Cap() == 1 {
		// Single-descriptor receive reclaims the previous
		// packet implicitly; nothing to return.
		return nil
	}
	if err := rr.ring.ReturnMany(b.borrowed, &rr.qinfo); err != nil {
		if err = rr.ring.ReturnMany(ReturnAll, &rr.qinfo); err != nil {
			return &OpError{Op: "return", Err: err}
		}
	}
	return nil
}

// Recharge returns the ring memory borrowed by the previous batch and
// pulls a new one, in that order. This is the one operation a consumer
// loop performs per iteration.
//
// The result is the number of populated descriptors; 0 with a nil
// error means no packets arrived within the timeout and the caller
// should poll again. If the return step fails no receive is attempted
// and the error propagates: the ring's borrow accounting can no longer
// be trusted and the caller decides whether to shut down.
func (rr *RingReader) Recharge() (int, error) {
	if rr.batch.Len() > 0 {
		if err := rr.returnMany(); err != nil {
			return 0, err
		}
	}
	return rr.receiveMany()
}

// Next advances to the next accepted packet of the current batch,
// recharging from the ring when the batch is exhausted. If true, the
// current packet is available through Descriptor() and Data(). If
// false, examine Err(): nil means the receive timed out and polling
// again is valid, anything else means the reader should halt.
//
// Use either the Next cursor or explicit Recharge with indexed batch
// access, not both: the cursor assumes it performed the recharges it
// iterates over.
func (rr *RingReader) Next() bool {
	for {
		if rr.n++; rr.n >= rr.batch.Len() {
			if rr.stopped.Load() {
				rr.err = &ErrSignal{rr.sig}
				return false
			}
			n, err := rr.Recharge()
			if rr.err = err; err != nil {
				return false
			}
			if n == 0 {
				rr.n = rr.batch.Len()
				return false
			}
			rr.n = 0
		}
		if rr.batch.Accepted(rr.n) {
			return true
		}
	}
}

// LoopNext is similar to Next() but keeps polling while the receive
// times out. It returns false only on a reader error or after a
// signal delivered via NotifyWith.
func (rr *RingReader) LoopNext() bool {
	for !rr.Next() {
		if rr.err != nil {
			return false
		}
	}
	return true
}

// Descriptor returns the current packet descriptor. It points into
// the reader's privately held batch; make a copy to retain it.
func (rr *RingReader) Descriptor() *Descriptor {
	return rr.batch.At(rr.n)
}

// Data returns the current packet's data. The underlying array is
// ring memory owned by the transport; the next Recharge may erase it
// without prior notice. Make a copy to retain it.
func (rr *RingReader) Data() []byte {
	return rr.Descriptor().Data
}

// Accepted reports the filter verdict of the current packet. Always
// true for packets observed through Next().
func (rr *RingReader) Accepted() bool {
	return rr.batch.Accepted(rr.n)
}

// Err returns the error encountered during the last reader operation
// on the ring. When Next() returns false the error may be revised
// here; nil means a timed-out receive.
func (rr *RingReader) Err() error {
	return rr.err
}

// Free returns all borrowed ring memory that was retrieved but not
// yet returned. Call it when finished with the reader and before the
// underlying transport is closed; otherwise the ring's free-space
// accounting leaks the outstanding quota.
func (rr *RingReader) Free() error {
	if rr.batch.Len() == 0 {
		return nil
	}
	return rr.returnMany()
}

// NotifyWith installs a signal notification channel, presumably
// registered via signal.Notify. Upon signal delivery the reader stops
// before the next recharge and Err() reports ErrSignal.
//
// The channel must be closed at some point to release the goroutine.
func (rr *RingReader) NotifyWith(ch <-chan os.Signal) {
	go func() {
		for sig := range ch {
			rr.sig = sig
			rr.stopped.Store(true)
			break
		}
	}()
}
