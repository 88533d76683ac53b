//go:build linux

package xdpring

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yerden/ringcap/capture"
)

func TestRingConfigValidate(t *testing.T) {
	var conf RingConfig
	require.NoError(t, conf.ValidateAndSetDefaults())
	assert.Equal(t, uint32(DefaultNumFrames), conf.NumFrames)
	assert.Equal(t, uint32(DefaultFrameSize), conf.FrameSize)
	assert.Equal(t, uint32(DefaultRingSize), conf.RingSize)

	conf = RingConfig{NumFrames: 1000}
	assert.ErrorIs(t, conf.ValidateAndSetDefaults(), ErrNotPowerOfTwo)

	conf = RingConfig{NumFrames: 256, RingSize: 512}
	assert.ErrorIs(t, conf.ValidateAndSetDefaults(), ErrTooManyFrames)

	// A small UMEM caps the default ring size.
	conf = RingConfig{NumFrames: 512}
	require.NoError(t, conf.ValidateAndSetDefaults())
	assert.Equal(t, uint32(512), conf.RingSize)
}

func TestDur2ms(t *testing.T) {
	assert.Equal(t, -1, dur2ms(-1))
	assert.Equal(t, -1, dur2ms(-time.Second))
	assert.Equal(t, 0, dur2ms(0))
	assert.Equal(t, 1, dur2ms(500*time.Microsecond), "sub-ms timeouts round up")
	assert.Equal(t, 100, dur2ms(100*time.Millisecond))
}

// fakeRigged builds a Ring over fabricated queues and UMEM, with the
// kernel side simulated by writing RX descriptors directly. fd is -1
// so a poll never reports readiness.
func riggedRing(t *testing.T, numFrames, frameSize, rxSize uint32) *Ring {
	t.Helper()
	r := &Ring{
		conf: RingConfig{
			NumFrames: numFrames,
			FrameSize: frameSize,
			RingSize:  rxSize,
		},
		fd:   -1,
		umem: make([]byte, numFrames*frameSize),
		rx: &rxQueue{
			mask:  rxSize - 1,
			size:  rxSize,
			prod:  new(uint32),
			cons:  new(uint32),
			descs: make([]xdp_desc, rxSize),
		},
		fq: &fillQueue{
			mask:  numFrames - 1,
			size:  numFrames,
			prod:  new(uint32),
			cons:  new(uint32),
			addrs: make([]uint64, numFrames),
		},
		pending: make([]uint64, 0, numFrames),
	}
	return r
}

// deliver simulates the kernel placing packets of the given captured
// lengths into consecutive UMEM frames, one packet per frame, with
// the usual headroom offset.
func deliver(r *Ring, headroom uint64, lens ...uint32) {
	prod := atomic.LoadUint32(r.rx.prod)
	for i, n := range lens {
		frame := uint64(prod+uint32(i)) * uint64(r.conf.FrameSize) % uint64(len(r.umem))
		r.rx.descs[(prod+uint32(i))&r.rx.mask] = xdp_desc{
			Addr: frame + headroom,
			Len:  n,
		}
	}
	atomic.StoreUint32(r.rx.prod, prod+uint32(len(lens)))
}

func TestReceiveReturnCycle(t *testing.T) {
	r := riggedRing(t, 8, 2048, 4)
	deliver(r, 256, 60, 1500, 64)

	reqs := make([]capture.Descriptor, 8)
	var qi capture.QueueInfo

	n, err := r.ReceiveMany(0, reqs, &qi)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Len(t, reqs[0].Data, 60)
	assert.Len(t, reqs[1].Data, 1500)
	assert.Equal(t, uint32(2048), reqs[0].DataLength, "a packet borrows its whole frame")
	assert.Equal(t, uintptr(3*2048), qi.Borrowed)

	// Borrowed frames are masked back to their chunk base.
	assert.Equal(t, []uint64{0, 2048, 4096}, r.pending)

	// Releasing 4096 bytes recycles exactly two frames, FIFO.
	require.NoError(t, r.ReturnMany(4096, &qi))
	assert.Equal(t, uint32(2), atomic.LoadUint32(r.fq.prod))
	assert.Equal(t, []uint64{0, 2048}, r.fq.addrs[:2])
	assert.Equal(t, []uint64{4096}, r.pending)
	assert.Equal(t, uintptr(2048), qi.Borrowed)

	// ReturnAll drains the ledger.
	require.NoError(t, r.ReturnMany(capture.ReturnAll, &qi))
	assert.Empty(t, r.pending)
	assert.Equal(t, uint32(3), atomic.LoadUint32(r.fq.prod))
	assert.Equal(t, uintptr(0), qi.Borrowed)

	// Consumer index was published to the kernel.
	assert.Equal(t, uint32(3), atomic.LoadUint32(r.rx.cons))
}

func TestReturnManyOvershoot(t *testing.T) {
	r := riggedRing(t, 8, 2048, 4)
	deliver(r, 0, 60, 60)

	reqs := make([]capture.Descriptor, 4)
	n, err := r.ReceiveMany(0, reqs, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A count beyond the outstanding total releases everything and
	// nothing more.
	require.NoError(t, r.ReturnMany(1<<20, nil))
	assert.Empty(t, r.pending)
	assert.Equal(t, uint32(0), r.pendingBytes)
	assert.Equal(t, uint32(2), atomic.LoadUint32(r.fq.prod))
}

func TestReceiveManyTimeout(t *testing.T) {
	r := riggedRing(t, 8, 2048, 4)

	reqs := make([]capture.Descriptor, 4)
	n, err := r.ReceiveMany(0, reqs, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "empty ring yields zero, poll again")
}

func TestReceiveOneHeldFrame(t *testing.T) {
	r := riggedRing(t, 8, 2048, 4)
	deliver(r, 256, 60, 80)

	var req capture.Descriptor
	require.NoError(t, r.ReceiveOne(0, &req))
	assert.Len(t, req.Data, 60)
	assert.True(t, r.heldValid)
	assert.Equal(t, uint32(0), atomic.LoadUint32(r.fq.prod),
		"held frame is not recycled yet")

	// The next receive reclaims the previous frame implicitly.
	require.NoError(t, r.ReceiveOne(0, &req))
	assert.Len(t, req.Data, 80)
	assert.Equal(t, uint32(1), atomic.LoadUint32(r.fq.prod))
	assert.Equal(t, []uint64{0}, r.fq.addrs[:1])

	// Drained ring times out.
	var errReq capture.Descriptor
	err := r.ReceiveOne(0, &errReq)
	require.Error(t, err)
	assert.True(t, capture.IsTransient(err))
}

func TestClosedRing(t *testing.T) {
	r := riggedRing(t, 8, 2048, 4)
	r.closed = true

	var req capture.Descriptor
	assert.ErrorIs(t, r.ReceiveOne(0, &req), capture.ErrClosed)

	_, err := r.ReceiveMany(0, make([]capture.Descriptor, 4), nil)
	assert.ErrorIs(t, err, capture.ErrClosed)

	assert.ErrorIs(t, r.ReturnMany(capture.ReturnAll, nil), capture.ErrClosed)
}
