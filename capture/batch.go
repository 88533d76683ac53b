package capture

import "errors"

// ErrBadCapacity reports a batch capacity below 1.
var ErrBadCapacity = errors.New("batch capacity must be positive")

// Batch is a fixed-capacity, reusable buffer of packet descriptors
// plus a parallel array of per-descriptor filter verdicts. A batch
// belongs to exactly one RingReader and is refilled on every receive.
type Batch struct {
	reqs     []Descriptor
	verdicts []bool

	// descriptors populated by the most recent receive
	nreqOut int

	// sum of DataLength over the most recently received, not yet
	// returned descriptors
	borrowed uint32
}

// NewBatch allocates descriptor and verdict storage for capacity
// slots. Capacity is fixed for the lifetime of the batch.
func NewBatch(capacity int) (*Batch, error) {
	if capacity < 1 {
		return nil, ErrBadCapacity
	}
	return &Batch{
		reqs:     make([]Descriptor, capacity),
		verdicts: make([]bool, capacity),
	}, nil
}

// Cap returns the batch capacity.
func (b *Batch) Cap() int { return len(b.reqs) }

// Len returns the number of descriptors populated by the most recent
// receive. Zero before any receive has occurred.
func (b *Batch) Len() int { return b.nreqOut }

// Borrowed returns the number of ring bytes borrowed by descriptors
// received since the last return. Rejected packets borrow memory just
// like accepted ones and are included.
func (b *Batch) Borrowed() uint32 { return b.borrowed }

// At returns the i-th populated descriptor. i must be < Len().
func (b *Batch) At(i int) *Descriptor { return &b.reqs[i] }

// Accepted reports the filter verdict for the i-th populated
// descriptor. Always true when no filter is installed.
func (b *Batch) Accepted(i int) bool { return b.verdicts[i] }
