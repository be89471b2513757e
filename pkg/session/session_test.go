package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adatrace/adatrace/pkg/atf"
	"github.com/adatrace/adatrace/pkg/backpressure"
	"github.com/adatrace/adatrace/pkg/config"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Capacity = 8
	cfg.RingsPerLane = 4
	cfg.RingBytesIndex = 4096  // 128 index records per ring
	cfg.RingBytesDetail = 8192 // 32 detail records per ring at 256 B
	cfg.OutputRoot = t.TempDir()
	cfg.SessionLabel = "test"
	cfg.Drain.PollIntervalUs = 1000
	return cfg
}

func startSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	s, err := Start(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func readIndexRecords(t *testing.T, sessionDir string, slot uint32) []event.IndexEvent {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(sessionDir, fmt.Sprintf("thread_%d", slot), "index.atf"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), atf.HeaderSize+atf.FooterSize)

	h, err := atf.ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(event.IndexRecordSize), h.RecordSize)

	body := raw[atf.HeaderSize : len(raw)-atf.FooterSize]
	require.Zero(t, len(body)%event.IndexRecordSize)

	records := make([]event.IndexEvent, 0, len(body)/event.IndexRecordSize)
	for off := 0; off < len(body); off += event.IndexRecordSize {
		ev, err := event.DecodeIndex(body[off:])
		require.NoError(t, err)
		records = append(records, ev)
	}
	return records
}

func TestSession_SingleProducerLowLoad(t *testing.T) {
	cfg := testConfig(t)
	cfg.RingsPerLane = 1
	cfg.RingBytesIndex = 64 * 1024
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)

	const events = 1000
	for i := 0; i < events; i++ {
		kind := event.KindCall
		if i%2 == 1 {
			kind = event.KindReturn
		}
		p.TraceIndex(0x0001_0000_0000_0001, kind, 1)
	}
	slot := p.Slot().SlotIndex()
	snap := p.Slot().Metrics.Snapshot()
	p.Close()

	require.NoError(t, s.Stop())

	assert.Equal(t, uint64(events), snap.EventsWritten)
	assert.Zero(t, snap.EventsDropped)

	records := readIndexRecords(t, s.SessionDir(), slot)
	require.Len(t, records, events)
	var prev uint64
	for i, ev := range records {
		assert.Equal(t, uint64(0x0001_0000_0000_0001), ev.FunctionID)
		assert.GreaterOrEqual(t, ev.Timestamp, prev, "record %d", i)
		prev = ev.Timestamp
	}
}

func TestSession_MultiProducerIsolation(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	const producers = 4
	const perProducer = 200

	slots := make([]uint32, producers)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := s.RegisterProducer()
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Close()
			slots[n] = p.Slot().SlotIndex()
			fid := uint64(0x0000_0002_0000_0000) | uint64(n)
			for j := 0; j < perProducer; j++ {
				p.TraceIndex(fid, event.KindCall, uint16(j%8))
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, s.Stop())

	manifest, err := atf.ReadManifest(s.SessionDir())
	require.NoError(t, err)
	assert.Len(t, manifest.Threads, producers)

	for i := 0; i < producers; i++ {
		records := readIndexRecords(t, s.SessionDir(), slots[i])
		assert.Len(t, records, perProducer, "producer %d", i)
		want := uint64(0x0000_0002_0000_0000) | uint64(i)
		for _, ev := range records {
			assert.Equal(t, want, ev.FunctionID)
		}
	}
}

func TestSession_GracefulShutdownDuringBurst(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drain.MaxBatchSize = 2
	cfg.Drain.FairnessQuantum = 2
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)

	const events = 20000
	for i := 0; i < events; i++ {
		p.TraceIndex(1, event.KindCall, 0)
	}
	slotIdx := p.Slot().SlotIndex()
	snap := p.Slot().Metrics.Snapshot()
	p.Close()

	require.NoError(t, s.Stop())
	// Stop is idempotent after the first call.
	require.NoError(t, s.Stop())

	// Every call before the stop is accounted at call time as written or
	// dropped; written records later discarded by drop-oldest show up on
	// the lane's backpressure counters instead of in the file.
	assert.Equal(t, uint64(events), snap.EventsWritten+snap.EventsDropped)

	records := readIndexRecords(t, s.SessionDir(), slotIdx)
	assert.GreaterOrEqual(t, uint64(len(records)), uint64(1))

	status := s.Status()
	assert.Equal(t, "STOPPED", status.DrainState)
	assert.GreaterOrEqual(t, status.Metrics.Drain.FinalDrains, uint64(1))
}

func TestSession_DetailEventsPersisted(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)

	stack := []byte{1, 2, 3, 4}
	for i := 0; i < 10; i++ {
		p.TraceDetail(7, event.KindCall, 2, 0xA, 0xB, 0xC, stack)
	}
	slotIdx := p.Slot().SlotIndex()
	p.Close()

	require.NoError(t, s.Stop())

	raw, err := os.ReadFile(filepath.Join(s.SessionDir(),
		fmt.Sprintf("thread_%d", slotIdx), "detail.atf"))
	require.NoError(t, err)

	h, err := atf.ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, atf.MagicDetail, h.Magic)
	recordSize := int(h.RecordSize)

	body := raw[atf.HeaderSize : len(raw)-atf.FooterSize]
	require.Equal(t, 10*recordSize, len(body))

	ev, err := event.DecodeDetail(body[:recordSize])
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA), ev.LR)
	assert.Equal(t, stack, ev.Stack)
}

func TestSession_SecondSessionRejected(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	_, err := Start(testConfig(t), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, s.Stop())
	assert.Nil(t, Current())

	// A new session may start after the previous one stopped.
	s2, err := Start(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s2.Stop())
}

func TestSession_RegistryAtCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capacity = 1
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		p2, err := s.RegisterProducer()
		if err == nil {
			p2.Close()
		}
		done <- err
	}()
	assert.Error(t, <-done)

	require.NoError(t, s.Stop())
}

func TestSession_ImplicitProducerPath(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("implicit thread identity requires gettid")
	}
	cfg := testConfig(t)
	s := startSession(t, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for i := 0; i < 100; i++ {
			TraceIndex(42, event.KindCall, 1)
		}
	}()
	wg.Wait()

	status := s.Status()
	require.Len(t, status.Metrics.Threads, 1)
	assert.Equal(t, uint64(100), status.Metrics.Threads[0].Counters.EventsWritten)

	require.NoError(t, s.Stop())
}

func TestSession_TraceWithoutSessionIsNoop(t *testing.T) {
	require.Nil(t, Current())
	TraceIndex(1, event.KindCall, 0)
	TraceDetail(1, event.KindCall, 0, 0, 0, 0, nil)
}

func TestSession_StopsAcceptingAfterStop(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)
	p.TraceIndex(1, event.KindCall, 0)
	snapBefore := p.Slot().Metrics.Snapshot()
	slot := p.Slot()
	p.Close()

	require.NoError(t, s.Stop())
	assert.False(t, s.Accepting())

	// Events after stop are silently discarded.
	TraceIndex(1, event.KindCall, 0)
	assert.Equal(t, snapBefore.EventsWritten, slot.Metrics.Snapshot().EventsWritten)
}

func TestSession_ManifestContents(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	fid := s.Hooks().RegisterSymbol("/lib/demo", "do_work")
	p, err := s.RegisterProducer()
	require.NoError(t, err)
	p.TraceIndex(fid, event.KindCall, 0)
	p.Close()

	require.NoError(t, s.Stop())

	m, err := atf.ReadManifest(s.SessionDir())
	require.NoError(t, err)
	assert.Equal(t, atf.FormatVersion, m.FormatVersion)
	assert.Equal(t, s.SessionID(), m.SessionID)
	assert.Equal(t, os.Getpid(), m.PID)
	assert.Equal(t, runtime.GOOS, m.OS)
	assert.Equal(t, runtime.GOARCH, m.Arch)
	assert.NotEmpty(t, m.StartedAtUTC)
	assert.Greater(t, m.StoppedAtNsMono, m.StartedAtNsMono)

	require.Len(t, m.Threads, 1)
	assert.Equal(t, uint64(1), m.Threads[0].EventsWritten)
	assert.NotEmpty(t, m.Threads[0].IndexPath)

	require.Len(t, m.Modules, 1)
	assert.Equal(t, "/lib/demo", m.Modules[0].Path)
	require.Len(t, m.Symbols, 1)
	assert.Equal(t, "do_work", m.Symbols[0].Name)
}

func TestSession_InvalidConfigRepaired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure.PressureThresholdPercent = 90
	cfg.Backpressure.RecoveryThresholdPercent = 10
	cfg.RingBytesIndex = 1000

	s := startSession(t, cfg)
	assert.Equal(t, uint32(95), cfg.Backpressure.RecoveryThresholdPercent)
	assert.Equal(t, 1024, cfg.RingBytesIndex)
	require.NoError(t, s.Stop())
}

func TestWriteRecord_ExhaustionLadder(t *testing.T) {
	// Two rings of two records each, no drain: the fifth event finds
	// the pool exhausted and the drop-oldest sequence kicks in.
	reg, err := reg2x2(t)
	require.NoError(t, err)
	slot, err := reg.Register(1)
	require.NoError(t, err)

	s := &Session{}
	write := func(fid uint64) {
		ev := event.IndexEvent{Timestamp: event.Now(), FunctionID: fid, ThreadID: 1, Kind: event.KindCall}
		require.NoError(t, event.EncodeIndex(slot.IndexScratch, &ev))
		s.writeRecord(slot, slot.Index, slot.BPIndex, slot.IndexScratch, ev.Timestamp)
	}

	for i := uint64(1); i <= 4; i++ {
		write(i)
	}
	snap := slot.Metrics.Snapshot()
	require.Equal(t, uint64(4), snap.EventsWritten)
	require.Equal(t, uint64(1), snap.RingSwaps)
	// The swap emptied the free pool and the sample noticed.
	require.Equal(t, backpressure.ModePressure, slot.BPIndex.Mode())

	// Fifth event: swap fails, the oldest record of the active ring is
	// dropped, the event itself still lands.
	write(5)
	snap = slot.Metrics.Snapshot()
	assert.Equal(t, uint64(5), snap.EventsWritten)
	assert.Zero(t, snap.EventsDropped)

	bp := slot.BPIndex.Metrics()
	assert.Equal(t, backpressure.ModeDropping, bp.Mode)
	assert.GreaterOrEqual(t, bp.EventsDropped, uint64(1))
	// A reclaim request was filed against the submitted backlog.
	assert.True(t, slot.Index.TakeReclaim())
}

func reg2x2(t *testing.T) (*registry.ThreadRegistry, error) {
	t.Helper()
	return registry.NewThreadRegistry(registry.Config{
		Capacity:         1,
		RingsPerLane:     2,
		RingBytesIndex:   64,
		RingBytesDetail:  256,
		DetailRecordSize: 128,
		Backpressure:     backpressure.DefaultConfig(),
		Logger:           zaptest.NewLogger(t),
	})
}

func TestSession_BackpressureRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure.RecoveryStableNs = 50 * 1000 * 1000 // 50ms
	s := startSession(t, cfg)

	p, err := s.RegisterProducer()
	require.NoError(t, err)
	defer p.Close()

	slot := p.Slot()
	slot.BPIndex.OnExhaustion(event.Now())
	require.Equal(t, backpressure.ModeDropping, slot.BPIndex.Mode())
	drops := slot.BPIndex.Drops()

	// The producer goes quiet; the drain keeps sampling the idle lane
	// and walks the machine back to NORMAL once the pool looks healthy
	// for the stability window.
	require.Eventually(t, func() bool {
		return slot.BPIndex.Mode() == backpressure.ModeNormal
	}, 5*time.Second, 5*time.Millisecond)

	m := slot.BPIndex.Metrics()
	assert.Equal(t, drops, m.EventsDropped)
	assert.GreaterOrEqual(t, m.Transitions, uint64(4))

	require.NoError(t, s.Stop())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(ErrConfig))
	assert.Equal(t, 1, ExitCode(ErrSessionActive))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("%w: arena", ErrCapacity)))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("%w: disk", ErrFinalize)))
	assert.Equal(t, 1, ExitCode(errors.New("other")))
}

func TestSession_UnwritableOutputRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root; permission bits are not enforced")
	}
	base := t.TempDir()
	require.NoError(t, os.Chmod(base, 0o500))
	t.Cleanup(func() { os.Chmod(base, 0o755) })

	cfg := testConfig(t)
	cfg.OutputRoot = filepath.Join(base, "out")

	_, err := Start(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Nil(t, Current())
}

func TestSession_StatusSafeFromAnyThread(t *testing.T) {
	cfg := testConfig(t)
	s := startSession(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				st := s.Status()
				if st.Metrics.Capacity != cfg.Capacity {
					t.Errorf("unexpected capacity %d", st.Metrics.Capacity)
					return
				}
				time.Sleep(time.Microsecond)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.Stop())
}
