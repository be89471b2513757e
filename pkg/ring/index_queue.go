package ring

import "sync/atomic"

// IndexQueue is a bounded single-producer single-consumer FIFO of ring
// indices. The lane uses two of these: submit (producer to drain) and
// free (drain to producer). Capacity is rounded up to a power of two
// internally; occupancy is bounded by the lane's pool invariant.
type IndexQueue struct {
	buf  []uint32
	mask uint64
	_    [128]byte
	head atomic.Uint64 // consumer position
	_    [128]byte
	tail atomic.Uint64 // producer position
	_    [128]byte
}

// NewIndexQueue creates a queue able to hold at least capacity indices.
func NewIndexQueue(capacity int) *IndexQueue {
	if capacity < 1 {
		capacity = 1
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &IndexQueue{
		buf:  make([]uint32, size),
		mask: uint64(size - 1),
	}
}

// Push enqueues one index. Returns false when the queue is full.
func (q *IndexQueue) Push(idx uint32) bool {
	t := q.tail.Load()
	h := q.head.Load()
	if t-h >= uint64(len(q.buf)) {
		return false
	}
	q.buf[t&q.mask] = idx
	q.tail.Store(t + 1)
	return true
}

// Pop dequeues the oldest index. Returns false when the queue is empty.
func (q *IndexQueue) Pop() (uint32, bool) {
	h := q.head.Load()
	t := q.tail.Load()
	if h == t {
		return 0, false
	}
	idx := q.buf[h&q.mask]
	q.head.Store(h + 1)
	return idx, true
}

// Len returns the current occupancy. Approximate under concurrency.
func (q *IndexQueue) Len() int {
	t := q.tail.Load()
	h := q.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Cap returns the queue capacity.
func (q *IndexQueue) Cap() int {
	return len(q.buf)
}
