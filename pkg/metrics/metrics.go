// Package metrics holds the pipeline's hot-path counters and the
// periodic reporter that samples them. Counters are monotonic for a
// session and updated with plain atomic adds; nothing here runs on the
// producer path beyond those adds.
package metrics

import (
	"sync/atomic"

	"github.com/adatrace/adatrace/pkg/backpressure"
)

// ThreadMetrics counts one producer thread's activity.
type ThreadMetrics struct {
	eventsWritten atomic.Uint64
	eventsDropped atomic.Uint64
	bytesWritten  atomic.Uint64
	bytesDropped  atomic.Uint64
	ringSwaps     atomic.Uint64
}

// RecordWrite accounts one successfully written event.
func (m *ThreadMetrics) RecordWrite(bytes int) {
	m.eventsWritten.Add(1)
	m.bytesWritten.Add(uint64(bytes))
}

// RecordDrop accounts one dropped event.
func (m *ThreadMetrics) RecordDrop(bytes int) {
	m.eventsDropped.Add(1)
	m.bytesDropped.Add(uint64(bytes))
}

// RecordSwap accounts one ring swap.
func (m *ThreadMetrics) RecordSwap() {
	m.ringSwaps.Add(1)
}

// EventsWritten returns the written-event count.
func (m *ThreadMetrics) EventsWritten() uint64 { return m.eventsWritten.Load() }

// EventsDropped returns the dropped-event count.
func (m *ThreadMetrics) EventsDropped() uint64 { return m.eventsDropped.Load() }

// Snapshot copies all counters.
func (m *ThreadMetrics) Snapshot() ThreadSnapshot {
	return ThreadSnapshot{
		EventsWritten: m.eventsWritten.Load(),
		EventsDropped: m.eventsDropped.Load(),
		BytesWritten:  m.bytesWritten.Load(),
		BytesDropped:  m.bytesDropped.Load(),
		RingSwaps:     m.ringSwaps.Load(),
	}
}

// ThreadSnapshot is a point-in-time copy of ThreadMetrics.
type ThreadSnapshot struct {
	EventsWritten uint64 `json:"events_written"`
	EventsDropped uint64 `json:"events_dropped"`
	BytesWritten  uint64 `json:"bytes_written"`
	BytesDropped  uint64 `json:"bytes_dropped"`
	RingSwaps     uint64 `json:"ring_swaps"`
}

// DrainSnapshot is a point-in-time copy of the drain worker's counters.
type DrainSnapshot struct {
	CyclesTotal      uint64 `json:"cycles_total"`
	CyclesIdle       uint64 `json:"cycles_idle"`
	RingsTotal       uint64 `json:"rings_total"`
	RingsIndex       uint64 `json:"rings_index"`
	RingsDetail      uint64 `json:"rings_detail"`
	RingsReclaimed   uint64 `json:"rings_reclaimed"`
	RingsSkipped     uint64 `json:"rings_skipped"`
	FairnessSwitches uint64 `json:"fairness_switches"`
	Sleeps           uint64 `json:"sleeps"`
	Yields           uint64 `json:"yields"`
	FinalDrains      uint64 `json:"final_drains"`
	TotalSleepUs     uint64 `json:"total_sleep_us"`
	IOErrors         uint64 `json:"io_errors"`
	LastCycleNs      uint64 `json:"last_cycle_ns"`
	// RingsPerThread counts rings drained per slot, [0] index lane,
	// [1] detail lane.
	RingsPerThread [][2]uint64 `json:"rings_per_thread,omitempty"`
}

// ThreadReport combines a thread's counters with its lane backpressure.
type ThreadReport struct {
	SlotIndex uint32               `json:"slot_index"`
	ThreadID  uint32               `json:"thread_id"`
	Counters  ThreadSnapshot       `json:"counters"`
	IndexBP   backpressure.Metrics `json:"index_backpressure"`
	DetailBP  backpressure.Metrics `json:"detail_backpressure"`
}

// Report is the full sampled state the reporter emits.
type Report struct {
	Capacity      uint32         `json:"capacity"`
	ActiveThreads int            `json:"active_threads"`
	Threads       []ThreadReport `json:"threads"`
	Drain         DrainSnapshot  `json:"drain"`
}

// TotalEventsWritten sums written events across threads.
func (r *Report) TotalEventsWritten() uint64 {
	var total uint64
	for i := range r.Threads {
		total += r.Threads[i].Counters.EventsWritten
	}
	return total
}

// TotalEventsDropped sums dropped events across threads.
func (r *Report) TotalEventsDropped() uint64 {
	var total uint64
	for i := range r.Threads {
		total += r.Threads[i].Counters.EventsDropped
	}
	return total
}
