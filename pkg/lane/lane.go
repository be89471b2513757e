// Package lane multiplexes a bounded pool of rings between one producer
// thread and the drain. Full rings travel producer -> drain through the
// submit queue; emptied rings travel back through the free queue. At any
// moment each ring index is in exactly one of: active, submit queue,
// free queue, or in flight with the drain.
package lane

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/adatrace/adatrace/pkg/ring"
)

var (
	// ErrPoolExhausted is returned by SwapActive when the free queue
	// holds no ring to adopt.
	ErrPoolExhausted = errors.New("lane: ring pool exhausted")
)

// Lane owns a pool of rings plus the two SPSC index queues that hand
// them between the producer and the drain.
type Lane struct {
	rings  []*ring.RingBuffer
	submit *ring.IndexQueue
	free   *ring.IndexQueue

	active   atomic.Uint32
	reclaims atomic.Uint32
}

// New builds a lane of ringCount rings, each of ringBytes capacity
// holding recordSize records. Ring 0 starts active; the rest are free.
func New(ringCount, ringBytes, recordSize int) (*Lane, error) {
	if ringCount < 1 {
		return nil, errors.New("lane: ring count must be at least 1")
	}
	l := &Lane{
		rings:  make([]*ring.RingBuffer, ringCount),
		submit: ring.NewIndexQueue(ringCount),
		free:   ring.NewIndexQueue(ringCount),
	}
	for i := range l.rings {
		rb, err := ring.NewRingBuffer(ringBytes, recordSize)
		if err != nil {
			return nil, err
		}
		l.rings[i] = rb
	}
	for i := 1; i < ringCount; i++ {
		l.free.Push(uint32(i))
	}
	return l, nil
}

// Active returns the ring the producer is currently writing into.
// Never blocks, never fails.
func (l *Lane) Active() *ring.RingBuffer {
	return l.rings[l.active.Load()]
}

// SwapActive publishes the active ring to the submit queue and adopts a
// ring from the free queue. Returns ErrPoolExhausted when no free ring
// is available. In the degenerate case where the publish itself fails,
// the old ring's payload is discarded, the ring is returned to the free
// queue, and the number of lost records is reported so the caller can
// account them as dropped.
func (l *Lane) SwapActive() (lost int, err error) {
	newIdx, ok := l.free.Pop()
	if !ok {
		return 0, ErrPoolExhausted
	}
	old := l.active.Load()
	l.active.Store(newIdx)

	if !l.submit.Push(old) {
		// Cannot publish: drop the payload rather than leak the ring.
		oldRing := l.rings[old]
		lost = oldRing.Len()
		oldRing.Reset()
		l.pushFree(old)
		return lost, nil
	}
	return 0, nil
}

// PublishActive pushes the active ring to the submit queue without
// adopting a replacement. Shutdown-only: the producer must be quiesced
// and the lane must not be written again, since the active index now
// also travels through the drain.
func (l *Lane) PublishActive() bool {
	return l.submit.Push(l.active.Load())
}

// TakeFromSubmit consumes the oldest submitted ring index. Drain side.
func (l *Lane) TakeFromSubmit() (uint32, bool) {
	return l.submit.Pop()
}

// ReturnToFree hands an emptied ring back to the producer. Drain side.
// The free queue is sized to the pool, so under the ownership invariant
// this cannot fail; the retry loop guards against transient interleaving
// without ever losing a ring.
func (l *Lane) ReturnToFree(idx uint32) {
	l.pushFree(idx)
}

func (l *Lane) pushFree(idx uint32) {
	for attempts := 0; attempts < 1000; attempts++ {
		if l.free.Push(idx) {
			return
		}
		runtime.Gosched()
	}
	for !l.free.Push(idx) {
		runtime.Gosched()
	}
}

// HandleExhaustion applies the drop-oldest policy when SwapActive
// reported an exhausted pool: if rings are waiting in the submit queue a
// reclaim request asks the drain to discard the oldest submitted ring
// without writing it, and the oldest record of the active ring is
// dropped in place to free one slot for the retry. At most one request
// is pending per submitted ring. Returns whether a slot was freed.
func (l *Lane) HandleExhaustion() bool {
	if pending := l.reclaims.Load(); int(pending) < l.submit.Len() {
		l.reclaims.Add(1)
	}
	return l.Active().DropOldest()
}

// TakeReclaim consumes one pending reclaim request. Drain side.
func (l *Lane) TakeReclaim() bool {
	for {
		n := l.reclaims.Load()
		if n == 0 {
			return false
		}
		if l.reclaims.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Ring returns the ring at idx.
func (l *Lane) Ring(idx uint32) *ring.RingBuffer {
	return l.rings[idx]
}

// FreeCount returns the free-queue occupancy, sampled for backpressure.
func (l *Lane) FreeCount() int {
	return l.free.Len()
}

// SubmitCount returns the submit-queue occupancy.
func (l *Lane) SubmitCount() int {
	return l.submit.Len()
}

// TotalRings returns the pool size.
func (l *Lane) TotalRings() int {
	return len(l.rings)
}

// RecordSize returns the fixed record size of this lane's rings.
func (l *Lane) RecordSize() int {
	return l.rings[0].RecordSize()
}

// RingBytes returns the per-ring capacity in bytes.
func (l *Lane) RingBytes() int {
	return l.rings[0].Capacity()
}
