package session

import (
	"runtime"

	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/lane"
	"github.com/adatrace/adatrace/pkg/registry"
)

// The producer fast path: no locks, no allocations, no blocking
// syscalls. First call on a thread pays for registration; steady state
// is a cache lookup, a record encode into producer-owned scratch, and
// one ring write.

// TraceIndex records a call/return skeleton event for the current
// thread on the current session. Safe to invoke from any thread at any
// time; a no-op when no session is accepting.
func TraceIndex(functionID uint64, kind event.Kind, depth uint16) {
	if s := current.Load(); s != nil {
		s.TraceIndex(functionID, kind, depth)
	}
}

// TraceDetail records a detail event (machine context plus stack
// snapshot) for the current thread on the current session.
func TraceDetail(functionID uint64, kind event.Kind, depth uint16, lr, fp, sp uint64, stack []byte) {
	if s := current.Load(); s != nil {
		s.TraceDetail(functionID, kind, depth, lr, fp, sp, stack)
	}
}

// TraceIndex records an index event on this session.
func (s *Session) TraceIndex(functionID uint64, kind event.Kind, depth uint16) {
	if !s.accepting.Load() {
		return
	}
	slot := s.producerSlot()
	if slot == nil {
		return
	}
	ev := event.IndexEvent{
		Timestamp:  event.Now(),
		FunctionID: functionID,
		ThreadID:   slot.ThreadID(),
		Kind:       kind,
		Depth:      depth,
	}
	event.EncodeIndex(slot.IndexScratch, &ev)
	s.writeRecord(slot, slot.Index, slot.BPIndex, slot.IndexScratch, ev.Timestamp)
}

// TraceDetail records a detail event on this session. The stack
// snapshot is truncated to the configured capacity; a zero-length
// snapshot is valid.
func (s *Session) TraceDetail(functionID uint64, kind event.Kind, depth uint16, lr, fp, sp uint64, stack []byte) {
	if !s.accepting.Load() {
		return
	}
	slot := s.producerSlot()
	if slot == nil {
		return
	}
	ev := event.DetailEvent{
		IndexEvent: event.IndexEvent{
			Timestamp:  event.Now(),
			FunctionID: functionID,
			ThreadID:   slot.ThreadID(),
			Kind:       kind,
			Depth:      depth,
		},
		LR:    lr,
		FP:    fp,
		SP:    sp,
		Stack: stack,
	}
	event.EncodeDetail(slot.DetailScratch, &ev)
	s.writeRecord(slot, slot.Detail, slot.BPDetail, slot.DetailScratch, ev.Timestamp)
}

// writeRecord implements the swap/exhaustion/drop ladder shared by both
// lanes.
func (s *Session) writeRecord(slot *registry.ThreadLaneSet, ln *lane.Lane, bp bpState, record []byte, nowNs uint64) {
	size := len(record)

	if err := ln.Active().Write(record); err == nil {
		slot.Metrics.RecordWrite(size)
		return
	}

	lost, err := ln.SwapActive()
	if err == nil {
		if lost > 0 {
			// Publish failed inside the swap; the old payload is gone.
			bp.OnDropRing(lost, uint64(lost*size), nowNs)
		}
		slot.Metrics.RecordSwap()
		bp.Sample(uint32(ln.FreeCount()), nowNs)
		if err := ln.Active().Write(record); err == nil {
			slot.Metrics.RecordWrite(size)
			return
		}
	} else {
		bp.OnExhaustion(nowNs)
		if ln.HandleExhaustion() {
			bp.OnDrop(size, nowNs)
			if err := ln.Active().Write(record); err == nil {
				slot.Metrics.RecordWrite(size)
				return
			}
		}
	}

	// Out of room even after the drop-oldest sequence: this event is
	// lost.
	slot.Metrics.RecordDrop(size)
	bp.OnDrop(size, nowNs)
}

// bpState is the slice of backpressure.State the producer path needs.
type bpState interface {
	Sample(freeRings uint32, nowNs uint64)
	OnExhaustion(nowNs uint64)
	OnDrop(droppedBytes int, nowNs uint64)
	OnDropRing(records int, droppedBytes uint64, nowNs uint64)
}

// producerSlot resolves the calling thread's lane set, registering on
// first touch. Returns nil when the registry is at capacity or the
// platform offers no implicit thread identity; the call is then
// silently lossy and accounted in registration_drops.
func (s *Session) producerSlot() *registry.ThreadLaneSet {
	tid, ok := currentThreadID()
	if !ok {
		s.registrationDrops.Add(1)
		return nil
	}

	h := (tid * 2654435761) & (tidCacheSize - 1)
	packed := s.tidCache[h].Load()
	if packed != 0 && uint32(packed>>32) == tid+1 {
		slot := s.reg.SlotAt(uint32(packed) - 1)
		if slot != nil && slot.Active() && slot.ThreadID() == tid {
			return slot
		}
	}

	slot := s.reg.Lookup(tid)
	if slot == nil {
		var err error
		slot, err = s.reg.Register(tid)
		if err != nil {
			s.registrationDrops.Add(1)
			return nil
		}
	}
	s.tidCache[h].Store(uint64(tid+1)<<32 | uint64(slot.SlotIndex()+1))
	return slot
}

// Producer is an explicit per-thread handle for callers that pin their
// OS thread and want the identity lookup amortized away. The handle
// must only be used from the thread that created it.
type Producer struct {
	s    *Session
	slot *registry.ThreadLaneSet
}

// RegisterProducer pins the calling goroutine to its OS thread and
// claims a registry slot for it. Callers release the slot with Close.
func (s *Session) RegisterProducer() (*Producer, error) {
	runtime.LockOSThread()
	tid, ok := currentThreadID()
	if !ok {
		// No native thread identity on this platform: hand out a
		// synthetic id; the pinned thread upholds the SPSC contract.
		tid = 1<<31 | s.syntheticTID.Add(1)
	}
	slot, err := s.reg.Register(tid)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return &Producer{s: s, slot: slot}, nil
}

// TraceIndex records an index event through the handle.
func (p *Producer) TraceIndex(functionID uint64, kind event.Kind, depth uint16) {
	if !p.s.accepting.Load() {
		return
	}
	ev := event.IndexEvent{
		Timestamp:  event.Now(),
		FunctionID: functionID,
		ThreadID:   p.slot.ThreadID(),
		Kind:       kind,
		Depth:      depth,
	}
	event.EncodeIndex(p.slot.IndexScratch, &ev)
	p.s.writeRecord(p.slot, p.slot.Index, p.slot.BPIndex, p.slot.IndexScratch, ev.Timestamp)
}

// TraceDetail records a detail event through the handle.
func (p *Producer) TraceDetail(functionID uint64, kind event.Kind, depth uint16, lr, fp, sp uint64, stack []byte) {
	if !p.s.accepting.Load() {
		return
	}
	ev := event.DetailEvent{
		IndexEvent: event.IndexEvent{
			Timestamp:  event.Now(),
			FunctionID: functionID,
			ThreadID:   p.slot.ThreadID(),
			Kind:       kind,
			Depth:      depth,
		},
		LR:    lr,
		FP:    fp,
		SP:    sp,
		Stack: stack,
	}
	event.EncodeDetail(p.slot.DetailScratch, &ev)
	p.s.writeRecord(p.slot, p.slot.Detail, p.slot.BPDetail, p.slot.DetailScratch, ev.Timestamp)
}

// Slot exposes the underlying lane set for status inspection.
func (p *Producer) Slot() *registry.ThreadLaneSet {
	return p.slot
}

// Close releases the registry slot and unpins the thread.
func (p *Producer) Close() {
	p.s.reg.Unregister(p.slot)
	runtime.UnlockOSThread()
}
