//go:build linux

package xdpring

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yerden/ringcap/capture"
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
)

// RingConfig controls one capture ring bound to a NIC RX queue.
type RingConfig struct {
	// QueueID identifies the NIC RX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated. Also
	// the fill ring size. Must be a power of two.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes. Must
	// be a power of two.
	FrameSize uint32
	// RingSize sets the number of descriptors in the RX ring. Must
	// be a power of two and not exceed NumFrames.
	RingSize uint32
}

func (c *RingConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RingSize == 0 {
		c.RingSize = min(DefaultRingSize, c.NumFrames)
	}
	if !isPow2(c.NumFrames) || !isPow2(c.FrameSize) || !isPow2(c.RingSize) {
		return ErrNotPowerOfTwo
	}
	if c.RingSize > c.NumFrames {
		return ErrTooManyFrames
	}
	return nil
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// Ring is an AF_XDP socket bound to one NIC RX queue, exposed as a
// capture ring transport. Received packets borrow whole UMEM frames;
// ReturnMany recycles borrowed frames into the fill ring in FIFO
// order. The single-descriptor path (ReceiveOne) holds at most one
// frame and recycles it on the next call, so it never requires an
// explicit return. Do not mix ReceiveOne and ReceiveMany on the same
// ring.
//
// WARNING: Ring is not safe for concurrent use.
type Ring struct {
	conf       RingConfig
	isZerocopy bool

	fd int

	umem []byte
	rx   *rxQueue
	fq   *fillQueue

	rxRegion []byte
	fqRegion []byte

	// borrowed UMEM frame addresses in receive order, oldest first
	pending      []uint64
	pendingBytes uint32

	// frame held by the single-descriptor receive path
	held      uint64
	heldValid bool

	iface  *Interface
	closed bool
}

var _ capture.RingTransport = (*Ring)(nil)

// OpenRing creates a capture ring bound to the interface queue
// selected by conf. It allocates UMEM, maps the RX and fill rings,
// primes the fill ring with every UMEM frame, binds the socket and
// registers it in the xsks map.
func (i *Interface) OpenRing(conf RingConfig) (*Ring, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	// AF_XDP socket.
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	// Construction must not leak partial state: unwind everything
	// mapped so far when a later step fails.
	var umem, rxRegion, fqRegion []byte
	fail := func(err error) (*Ring, error) {
		if rxRegion != nil {
			_ = unix.Munmap(rxRegion)
		}
		if fqRegion != nil {
			_ = unix.Munmap(fqRegion)
		}
		if umem != nil {
			_ = unix.Munmap(umem)
		}
		_ = unix.Close(fd)
		return nil, err
	}

	// UMEM registration.
	umemLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	umem, err = mmapUmem(umemLen)
	if err != nil {
		return fail(fmt.Errorf("mmap UMEM: %w", err))
	}

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err))
	}

	// Ring sizes. The completion ring is unused by a receive-only
	// socket but some kernels insist on it being sized before bind.
	fillSize := conf.NumFrames
	compSize := conf.RingSize
	rxSize := conf.RingSize
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING,
		unsafe.Pointer(&fillSize), unsafe.Sizeof(fillSize),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err))
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING,
		unsafe.Pointer(&compSize), unsafe.Sizeof(compSize),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err))
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_RX_RING,
		unsafe.Pointer(&rxSize), unsafe.Sizeof(rxSize),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_RX_RING: %w", err))
	}

	// Query mmap offsets for all rings.
	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return fail(fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err))
	}

	// Map RX ring (descriptors).
	rxRegionLen := uintptr(offs.Rx.Desc) + uintptr(rxSize)*unsafe.Sizeof(xdp_desc{})
	rxRegion, err = mmapRegion(fd, rxRegionLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fail(fmt.Errorf("mmap RX ring: %w", err))
	}

	// Map FQ ring (UMEM fill ring, uint64 addresses).
	fqRegionLen := uintptr(offs.Fr.Desc) + uintptr(fillSize)*unsafe.Sizeof(uint64(0))
	fqRegion, err = mmapRegion(fd, fqRegionLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fail(fmt.Errorf("mmap FQ ring: %w", err))
	}

	// Build queues.
	rxQ, err := makeRXQueue(rxRegion, offs.Rx, rxSize)
	if err != nil {
		return fail(fmt.Errorf("making RX queue: %w", err))
	}
	fqQ, err := makeFillQueue(fqRegion, offs.Fr, fillSize)
	if err != nil {
		return fail(fmt.Errorf("making FQ queue: %w", err))
	}

	// Prime the fill ring with every UMEM frame.
	frames := make([]uint64, conf.NumFrames)
	for n := range frames {
		frames[n] = uint64(n) * uint64(conf.FrameSize)
	}
	fqQ.produce(frames...)

	// Bind AF_XDP socket to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}

	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// If zerocopy is not supported for this queue, fall back
		// to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return fail(fmt.Errorf("binding socket: %w", err))
	}

	if err := i.objs.registerXSK(fd, conf.QueueID); err != nil {
		return fail(fmt.Errorf("registering XSK: %w", err))
	}

	return &Ring{
		conf:       conf,
		isZerocopy: zerocopy,
		fd:         fd,
		umem:       umem,
		rx:         rxQ,
		fq:         fqQ,
		rxRegion:   rxRegion,
		fqRegion:   fqRegion,
		pending:    make([]uint64, 0, conf.NumFrames),
		iface:      i,
	}, nil
}

// IsZerocopy reports whether the ring operates in zero-copy mode. May
// return false even if PreferZerocopy was requested because the queue
// may not support XDP_ZEROCOPY, in which case the ring fell back to
// XDP_COPY automatically.
func (r *Ring) IsZerocopy() bool { return r.isZerocopy }

// QueueID returns the NIC RX queue this ring is bound to.
func (r *Ring) QueueID() uint32 { return r.conf.QueueID }

// Close releases the socket, UMEM and kernel resources. Borrowed
// frames still outstanding are discarded together with the UMEM, so
// drain the owning reader with Free() first.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error

	if r.iface != nil && r.iface.objs != nil {
		if err := r.iface.objs.unregisterXSK(r.conf.QueueID); err != nil {
			errs = append(errs, fmt.Errorf("unregistering XSK: %w", err))
		}
	}

	if r.fd != 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		r.fd = 0
	}

	// Explicitly unmap UMEM and ring regions.
	if r.rxRegion != nil {
		if err := unix.Munmap(r.rxRegion); err != nil {
			errs = append(errs, err)
		}
		r.rxRegion = nil
	}

	if r.fqRegion != nil {
		if err := unix.Munmap(r.fqRegion); err != nil {
			errs = append(errs, err)
		}
		r.fqRegion = nil
	}

	if r.umem != nil {
		if err := unix.Munmap(r.umem); err != nil {
			errs = append(errs, err)
		}
		r.umem = nil
	}

	return errors.Join(errs...)
}

// dur2ms converts a receive timeout to poll(2) milliseconds. Negative
// blocks indefinitely, zero returns immediately.
func dur2ms(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

// wait blocks until the socket becomes readable or the timeout
// expires. Returns nil in both cases and a non-nil error only for
// real system call failures.
func (r *Ring) wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(r.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)

		if err == nil {
			return nil
		}

		// EINTR is retried here so that shutdown latency stays
		// bounded by the configured timeout, not by signal
		// delivery.
		if err == unix.EINTR {
			continue
		}

		return err
	}
}

// frameBase masks a descriptor address down to its UMEM chunk start.
// The kernel offsets RX addresses by the packet headroom.
func (r *Ring) frameBase(addr uint64) uint64 {
	return addr &^ uint64(r.conf.FrameSize-1)
}

func (r *Ring) fillQueueInfo(qi *capture.QueueInfo, avail uint32) {
	if qi == nil {
		return
	}
	qi.Avail = uintptr(avail) * uintptr(r.conf.FrameSize)
	qi.Borrowed = uintptr(r.pendingBytes)
	qi.Free = uintptr(r.conf.NumFrames-uint32(len(r.pending))) * uintptr(r.conf.FrameSize)
}

// ReceiveOne receives the next packet into req, reclaiming the frame
// delivered by the previous call. Returns EAGAIN when no packet
// arrives within the timeout.
func (r *Ring) ReceiveOne(timeout time.Duration, req *capture.Descriptor) error {
	if r.closed {
		return capture.ErrClosed
	}

	if r.heldValid {
		r.fq.produce(r.held)
		r.heldValid = false
	}

	if r.rx.available() == 0 {
		if err := r.wait(dur2ms(timeout)); err != nil {
			return err
		}
		if r.rx.available() == 0 {
			return unix.EAGAIN
		}
	}

	d := r.rx.consume()
	r.rx.commit()

	*req = capture.Descriptor{
		Data:       r.umem[d.Addr : d.Addr+uint64(d.Len)],
		Timestamp:  time.Now().UnixNano(),
		Port:       r.conf.QueueID,
		DataLength: r.conf.FrameSize,
	}
	r.held = r.frameBase(d.Addr)
	r.heldValid = true
	return nil
}

// ReceiveMany fills reqs with up to len(reqs) packet descriptors and
// returns the number filled. Every filled descriptor borrows one UMEM
// frame until a subsequent ReturnMany. Zero with a nil error means no
// packets arrived within the timeout.
func (r *Ring) ReceiveMany(timeout time.Duration, reqs []capture.Descriptor, qinfo *capture.QueueInfo) (int, error) {
	if r.closed {
		return 0, capture.ErrClosed
	}
	if len(reqs) == 0 {
		return 0, nil
	}

	avail := r.rx.available()
	if avail == 0 {
		if err := r.wait(dur2ms(timeout)); err != nil {
			return 0, err
		}
		if avail = r.rx.available(); avail == 0 {
			r.fillQueueInfo(qinfo, 0)
			return 0, nil
		}
	}

	n := min(int(avail), len(reqs))

	// AF_XDP delivers no hardware timestamps; one clock read stamps
	// the whole batch.
	ts := time.Now().UnixNano()

	for k := 0; k < n; k++ {
		d := r.rx.consume()
		reqs[k] = capture.Descriptor{
			Data:       r.umem[d.Addr : d.Addr+uint64(d.Len)],
			Timestamp:  ts,
			Port:       r.conf.QueueID,
			DataLength: r.conf.FrameSize,
		}
		r.pending = append(r.pending, r.frameBase(d.Addr))
	}
	r.rx.commit()
	r.pendingBytes += uint32(n) * r.conf.FrameSize

	r.fillQueueInfo(qinfo, avail-uint32(n))
	return n, nil
}

// ReturnMany recycles dataLen bytes of borrowed frames into the fill
// ring, oldest first. capture.ReturnAll, or any count beyond the
// outstanding total, releases everything.
func (r *Ring) ReturnMany(dataLen uint32, qinfo *capture.QueueInfo) error {
	if r.closed {
		return capture.ErrClosed
	}

	want := dataLen
	if dataLen == capture.ReturnAll || dataLen > r.pendingBytes {
		want = r.pendingBytes
	}

	var k int
	for released := uint32(0); k < len(r.pending) && released < want; k++ {
		released += r.conf.FrameSize
	}
	if k > 0 {
		r.fq.produce(r.pending[:k]...)
		n := copy(r.pending, r.pending[k:])
		r.pending = r.pending[:n]
		r.pendingBytes -= uint32(k) * r.conf.FrameSize
	}

	r.fillQueueInfo(qinfo, r.rx.available())
	return nil
}
