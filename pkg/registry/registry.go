// Package registry allocates per-thread lane sets out of a statically
// sized pool. A producer thread claims a slot on first touch via CAS on
// the free-slot bitmap and keeps it for the session; the drain iterates
// all slots read-only.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/adatrace/adatrace/pkg/backpressure"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/lane"
	"github.com/adatrace/adatrace/pkg/metrics"
)

// MaxThreads bounds the number of concurrently registered producer
// threads. The allocation bitmap is a single 64-bit word.
const MaxThreads = 64

var (
	// ErrCapacity is returned when all slots are taken.
	ErrCapacity = errors.New("registry: thread capacity exhausted")
)

// Config sizes the registry's arena. All ring memory is allocated once
// at construction; slots only flip active bits afterwards.
type Config struct {
	Capacity         uint32
	RingsPerLane     int
	RingBytesIndex   int
	RingBytesDetail  int
	DetailRecordSize int
	Backpressure     backpressure.Config
	Logger           *zap.Logger
}

// ThreadLaneSet is one registered producer thread's state: its two
// lanes, counters, and backpressure instances. Instances are owned by
// the registry and recycled across registrations of the same slot.
type ThreadLaneSet struct {
	threadID  atomic.Uint32
	slotIndex uint32
	active    atomic.Bool

	Index  *lane.Lane
	Detail *lane.Lane

	Metrics  metrics.ThreadMetrics
	BPIndex  *backpressure.State
	BPDetail *backpressure.State

	// Producer-owned scratch buffers for record encoding; sized at
	// construction so the hot path never allocates.
	IndexScratch  []byte
	DetailScratch []byte

	_ [64]byte // keep neighboring slots off this slot's cache lines
}

// ThreadID returns the OS thread id bound to this slot.
func (t *ThreadLaneSet) ThreadID() uint32 {
	return t.threadID.Load()
}

// SlotIndex returns the slot's stable index.
func (t *ThreadLaneSet) SlotIndex() uint32 {
	return t.slotIndex
}

// Active reports whether the slot currently owns a registered thread.
func (t *ThreadLaneSet) Active() bool {
	return t.active.Load()
}

// ThreadRegistry owns the slot array and all lane/ring memory.
type ThreadRegistry struct {
	capacity uint32
	bitmap   atomic.Uint64
	slots    []*ThreadLaneSet
	logger   *zap.Logger
}

// NewThreadRegistry builds the registry and its entire arena up front.
func NewThreadRegistry(cfg Config) (*ThreadRegistry, error) {
	if cfg.Capacity == 0 || cfg.Capacity > MaxThreads {
		return nil, fmt.Errorf("registry: capacity %d out of range [1,%d]", cfg.Capacity, MaxThreads)
	}
	if cfg.RingsPerLane < 1 {
		return nil, errors.New("registry: rings per lane must be at least 1")
	}
	if cfg.DetailRecordSize < event.DetailHeadSize {
		return nil, fmt.Errorf("registry: detail record size %d below minimum %d",
			cfg.DetailRecordSize, event.DetailHeadSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &ThreadRegistry{
		capacity: cfg.Capacity,
		slots:    make([]*ThreadLaneSet, cfg.Capacity),
		logger:   logger,
	}

	for i := uint32(0); i < cfg.Capacity; i++ {
		indexLane, err := lane.New(cfg.RingsPerLane, cfg.RingBytesIndex, event.IndexRecordSize)
		if err != nil {
			return nil, fmt.Errorf("registry: index lane for slot %d: %w", i, err)
		}
		detailLane, err := lane.New(cfg.RingsPerLane, cfg.RingBytesDetail, cfg.DetailRecordSize)
		if err != nil {
			return nil, fmt.Errorf("registry: detail lane for slot %d: %w", i, err)
		}

		bpIndex := backpressure.NewState(&cfg.Backpressure, logger)
		bpIndex.SetTotalRings(uint32(cfg.RingsPerLane))
		bpDetail := backpressure.NewState(&cfg.Backpressure, logger)
		bpDetail.SetTotalRings(uint32(cfg.RingsPerLane))

		r.slots[i] = &ThreadLaneSet{
			slotIndex:     i,
			Index:         indexLane,
			Detail:        detailLane,
			BPIndex:       bpIndex,
			BPDetail:      bpDetail,
			IndexScratch:  make([]byte, event.IndexRecordSize),
			DetailScratch: make([]byte, cfg.DetailRecordSize),
		}
	}
	return r, nil
}

// Register claims a slot for the given OS thread id. Returns
// ErrCapacity when all slots are taken. The returned lane set is
// exclusively the calling thread's to write.
func (r *ThreadRegistry) Register(threadID uint32) (*ThreadLaneSet, error) {
	for {
		bits := r.bitmap.Load()
		free := -1
		for i := uint32(0); i < r.capacity; i++ {
			if bits&(1<<i) == 0 {
				free = int(i)
				break
			}
		}
		if free < 0 {
			return nil, ErrCapacity
		}
		if !r.bitmap.CompareAndSwap(bits, bits|(1<<uint(free))) {
			continue
		}

		slot := r.slots[free]
		slot.threadID.Store(threadID)
		slot.active.Store(true)

		r.logger.Debug("registered producer thread",
			zap.Uint32("thread_id", threadID),
			zap.Int("slot_index", free))
		return slot, nil
	}
}

// Unregister releases a slot. The slot's ring memory stays with the
// registry; the drain stops reading the slot once it observes the
// cleared active bit.
func (r *ThreadRegistry) Unregister(slot *ThreadLaneSet) {
	if slot == nil {
		return
	}
	slot.active.Store(false)
	for {
		bits := r.bitmap.Load()
		if r.bitmap.CompareAndSwap(bits, bits&^(1<<uint(slot.slotIndex))) {
			return
		}
	}
}

// Lookup finds the active slot registered to threadID, or nil.
func (r *ThreadRegistry) Lookup(threadID uint32) *ThreadLaneSet {
	for _, slot := range r.slots {
		if slot.active.Load() && slot.threadID.Load() == threadID {
			return slot
		}
	}
	return nil
}

// At returns the slot at index i when it is active, else nil. Not a
// live view: a slot's active bit may flip during iteration and callers
// tolerate that.
func (r *ThreadRegistry) At(i uint32) *ThreadLaneSet {
	if i >= r.capacity {
		return nil
	}
	slot := r.slots[i]
	if !slot.active.Load() {
		return nil
	}
	return slot
}

// SlotAt returns the slot at index i regardless of active state.
func (r *ThreadRegistry) SlotAt(i uint32) *ThreadLaneSet {
	if i >= r.capacity {
		return nil
	}
	return r.slots[i]
}

// Capacity returns the maximum number of registered threads.
func (r *ThreadRegistry) Capacity() uint32 {
	return r.capacity
}

// ActiveCount returns the number of currently registered threads.
func (r *ThreadRegistry) ActiveCount() int {
	count := 0
	for _, slot := range r.slots {
		if slot.active.Load() {
			count++
		}
	}
	return count
}

// Deinit is the session-teardown barrier: it deactivates every slot so
// no new producer activity lands after the final drain pass.
func (r *ThreadRegistry) Deinit() {
	for _, slot := range r.slots {
		slot.active.Store(false)
	}
	r.bitmap.Store(0)
}
