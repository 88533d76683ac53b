// Package capture implements a batched, zero-copy receive engine for
// kernel-bypass capture rings following the borrow-many-return-many
// model: descriptors are pulled from a ring transport in batches, each
// one is optionally run through a packet filter, and the ring memory
// borrowed by the batch is returned to the transport on the next pull.
//
// The ring transport itself (AF_XDP socket, vendor capture library,
// test fake) is injected through the RingTransport interface. One
// RingReader is driven by exactly one goroutine; readers must never be
// shared between goroutines.
package capture

import "time"

// Descriptor identifies one received packet inside the ring.
//
// Data points directly into ring memory where the NIC has DMAed the
// packet; there are no copies. The slice is owned by the transport and
// is only valid until the memory is returned, i.e. until the next
// Recharge of the owning reader. Make a copy to retain it.
type Descriptor struct {
	// Packet data directly in the ring, length == captured length.
	Data []byte
	// Timestamp in nanoseconds since epoch.
	Timestamp int64
	// Port number which received the packet.
	Port uint32
	// Bytes reserved for the packet in the ring, with alignment.
	// Always >= len(Data). This is the amount the packet borrows
	// from the ring until it is returned.
	DataLength uint32
	// Hash calculated by the NIC.
	Hash uint32
}

// QueueInfo is ring queue consumption information reported by the
// transport alongside a batched receive or return.
type QueueInfo struct {
	// Amount of data available not yet received (approximate).
	Avail uintptr
	// Amount of data currently borrowed (exact).
	Borrowed uintptr
	// Amount of free space still available (approximate).
	Free uintptr
}

// ReturnAll instructs the transport to release all outstanding
// borrowed memory regardless of any byte accounting.
const ReturnAll = ^uint32(0)

// RingTransport is the capture ring a reader receives from. It is
// implemented by xdpring.Ring and by test fakes.
//
// Implementations are single-consumer: at most one receive or return
// call may be in flight per ring. Timeout semantics: a zero timeout
// returns immediately with whatever is available, a negative timeout
// blocks indefinitely, a positive timeout blocks up to that duration.
// "No packet within timeout" is reported with a transient error (see
// IsTransient), not by blocking further.
type RingTransport interface {
	// ReceiveOne receives the next packet into req. The transport
	// implicitly reclaims the previously delivered packet, so a
	// single-descriptor consumer never calls ReturnMany.
	ReceiveOne(timeout time.Duration, req *Descriptor) error

	// ReceiveMany fills reqs with up to len(reqs) packet
	// descriptors and returns the number filled. Zero with a nil
	// error means no packets are currently available. If qinfo is
	// not nil it is updated with queue consumption info.
	ReceiveMany(timeout time.Duration, reqs []Descriptor, qinfo *QueueInfo) (int, error)

	// ReturnMany releases dataLen bytes of borrowed ring memory in
	// FIFO order with no regard to individual packets. ReturnAll
	// releases everything outstanding.
	ReturnMany(dataLen uint32, qinfo *QueueInfo) error
}

// Filter decides whether a received packet is accepted. A nil Filter
// on a reader accepts everything.
//
// Match is called on the reader's goroutine between a receive and the
// consumer pass; implementations must not retain data.
type Filter interface {
	Match(data []byte) bool
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(data []byte) bool

// Match implements Filter.
func (f FilterFunc) Match(data []byte) bool { return f(data) }
