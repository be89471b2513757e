package backpressure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint32(25), cfg.PressureThresholdPercent)
	assert.Equal(t, uint32(50), cfg.RecoveryThresholdPercent)
	assert.Equal(t, uint64(1_000_000_000), cfg.RecoveryStableNs)
	assert.Equal(t, uint32(64), cfg.DropLogInterval)
}

func TestConfigValidate_Repairs(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantValid    bool
		wantPressure uint32
		wantRecovery uint32
	}{
		{
			name:         "already valid",
			cfg:          Config{PressureThresholdPercent: 30, RecoveryThresholdPercent: 60, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    true,
			wantPressure: 30,
			wantRecovery: 60,
		},
		{
			name:         "zero pressure reverts to default",
			cfg:          Config{PressureThresholdPercent: 0, RecoveryThresholdPercent: 60, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    false,
			wantPressure: 25,
			wantRecovery: 60,
		},
		{
			name:         "pressure at 100 reverts to default",
			cfg:          Config{PressureThresholdPercent: 100, RecoveryThresholdPercent: 60, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    false,
			wantPressure: 25,
			wantRecovery: 60,
		},
		{
			name:         "inverted pair raises recovery",
			cfg:          Config{PressureThresholdPercent: 60, RecoveryThresholdPercent: 40, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    false,
			wantPressure: 60,
			wantRecovery: 65,
		},
		{
			name:         "inverted pair near ceiling reverts both",
			cfg:          Config{PressureThresholdPercent: 96, RecoveryThresholdPercent: 10, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    false,
			wantPressure: 25,
			wantRecovery: 50,
		},
		{
			name:         "recovery above 100 reverts",
			cfg:          Config{PressureThresholdPercent: 25, RecoveryThresholdPercent: 101, RecoveryStableNs: 1, DropLogInterval: 1},
			wantValid:    false,
			wantPressure: 25,
			wantRecovery: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid := tt.cfg.Validate()
			assert.Equal(t, tt.wantValid, valid)
			assert.Equal(t, tt.wantPressure, tt.cfg.PressureThresholdPercent)
			assert.Equal(t, tt.wantRecovery, tt.cfg.RecoveryThresholdPercent)

			// Idempotence: a repaired configuration validates clean.
			assert.True(t, tt.cfg.Validate())
		})
	}
}

func TestConfigValidate_ZeroIntervals(t *testing.T) {
	cfg := Config{PressureThresholdPercent: 25, RecoveryThresholdPercent: 50}
	assert.False(t, cfg.Validate())
	assert.Equal(t, uint64(1_000_000_000), cfg.RecoveryStableNs)
	assert.Equal(t, uint32(64), cfg.DropLogInterval)
}

func newTestState(t *testing.T, totalRings uint32) *State {
	t.Helper()
	cfg := Config{
		PressureThresholdPercent: 25,
		RecoveryThresholdPercent: 50,
		RecoveryStableNs:         1000,
		DropLogInterval:          4,
	}
	s := NewState(&cfg, zaptest.NewLogger(t))
	s.SetTotalRings(totalRings)
	return s
}

func TestState_FullCycle(t *testing.T) {
	s := newTestState(t, 8)
	require.Equal(t, ModeNormal, s.Mode())

	// 8 rings, pressure at 25%: one free ring crosses the threshold.
	s.Sample(1, 10)
	assert.Equal(t, ModePressure, s.Mode())

	s.Sample(0, 20)
	assert.Equal(t, ModeDropping, s.Mode())

	// Half the pool free reaches the recovery threshold.
	s.Sample(4, 30)
	assert.Equal(t, ModeRecovery, s.Mode())

	// Not yet stable for RecoveryStableNs.
	s.Sample(5, 500)
	assert.Equal(t, ModeRecovery, s.Mode())

	s.Sample(5, 30+1000)
	assert.Equal(t, ModeNormal, s.Mode())

	m := s.Metrics()
	assert.Equal(t, uint64(4), m.Transitions)
	assert.Equal(t, uint64(30+1000), m.LastRecoveryNs)
}

func TestState_PressureRecoversDirectly(t *testing.T) {
	s := newTestState(t, 8)
	s.Sample(1, 10)
	require.Equal(t, ModePressure, s.Mode())

	s.Sample(6, 20)
	assert.Equal(t, ModeNormal, s.Mode())
}

func TestState_RecoveryRePressured(t *testing.T) {
	s := newTestState(t, 8)
	s.Sample(1, 10)
	s.Sample(0, 20)
	s.Sample(4, 30)
	require.Equal(t, ModeRecovery, s.Mode())

	s.Sample(1, 40)
	assert.Equal(t, ModePressure, s.Mode())
}

func TestState_OnExhaustionForcesDropping(t *testing.T) {
	s := newTestState(t, 8)
	s.OnExhaustion(10)
	assert.Equal(t, ModeDropping, s.Mode())
	assert.GreaterOrEqual(t, s.Metrics().Transitions, uint64(2))
}

func TestState_DropAccounting(t *testing.T) {
	s := newTestState(t, 8)

	s.OnDrop(32, 100)
	s.OnDrop(32, 200)
	m := s.Metrics()
	assert.Equal(t, uint64(2), m.EventsDropped)
	assert.Equal(t, uint64(64), m.BytesDropped)
	assert.Equal(t, uint64(2), m.DropSequences)
	assert.Equal(t, uint64(200), m.LastDropNs)
	assert.Equal(t, uint64(2), s.Drops())

	s.OnDropRing(10, 320, 300)
	m = s.Metrics()
	assert.Equal(t, uint64(12), m.EventsDropped)
	assert.Equal(t, uint64(384), m.BytesDropped)
	assert.Equal(t, uint64(3), m.DropSequences)
}

func TestState_LowWatermark(t *testing.T) {
	s := newTestState(t, 8)
	assert.Equal(t, uint32(0), s.LowWatermark())

	s.Sample(6, 10)
	assert.Equal(t, uint32(6), s.LowWatermark())
	s.Sample(2, 20)
	assert.Equal(t, uint32(2), s.LowWatermark())
	// Monotonically non-increasing until reset.
	s.Sample(7, 30)
	assert.Equal(t, uint32(2), s.LowWatermark())

	s.Reset()
	assert.Equal(t, uint32(0), s.LowWatermark())
	assert.Equal(t, ModeNormal, s.Mode())
}

func TestState_OnRecoveryFromDropping(t *testing.T) {
	s := newTestState(t, 8)
	s.OnExhaustion(10)
	require.Equal(t, ModeDropping, s.Mode())

	s.OnRecovery(5, 50)
	assert.Equal(t, ModeRecovery, s.Mode())
	assert.Equal(t, uint64(50), s.Metrics().LastRecoveryNs)
}

func TestState_QuietWindowKeepsDropsStable(t *testing.T) {
	s := newTestState(t, 8)
	s.Sample(1, 10)
	s.Sample(0, 20)
	s.OnDrop(32, 25)
	require.Equal(t, ModeDropping, s.Mode())
	drops := s.Drops()

	// Producer goes quiet; the drain keeps sampling as rings return.
	s.Sample(4, 30)
	s.Sample(8, 30+1000)
	assert.Equal(t, ModeNormal, s.Mode())
	assert.Equal(t, drops, s.Drops())

	m := s.Metrics()
	assert.Greater(t, m.LastRecoveryNs, m.LastDropNs)
}

func TestNewState_NilConfigUsesDefaults(t *testing.T) {
	s := NewState(nil, nil)
	assert.Equal(t, DefaultConfig(), s.Config())
	assert.Equal(t, ModeNormal, s.Mode())
}

func TestNewState_RepairsConfig(t *testing.T) {
	cfg := Config{PressureThresholdPercent: 80, RecoveryThresholdPercent: 20, RecoveryStableNs: 1, DropLogInterval: 1}
	s := NewState(&cfg, nil)
	assert.Equal(t, uint32(80), s.Config().PressureThresholdPercent)
	assert.Equal(t, uint32(85), s.Config().RecoveryThresholdPercent)
}
