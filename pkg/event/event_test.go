package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIndex(t *testing.T) {
	ev := IndexEvent{
		Timestamp:  123456789,
		FunctionID: 0x0001_0000_0000_0001,
		ThreadID:   42,
		Kind:       KindCall,
		Depth:      7,
	}
	buf := make([]byte, IndexRecordSize)
	require.NoError(t, EncodeIndex(buf, &ev))

	got, err := DecodeIndex(buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	assert.ErrorIs(t, EncodeIndex(make([]byte, 16), &ev), ErrShortBuffer)
	_, err = DecodeIndex(make([]byte, 16))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEncodeDecodeDetail(t *testing.T) {
	stack := []byte{1, 2, 3, 4, 5}
	ev := DetailEvent{
		IndexEvent: IndexEvent{
			Timestamp:  99,
			FunctionID: 0xCAFE_0000_0000_0001,
			ThreadID:   3,
			Kind:       KindReturn,
			Depth:      2,
		},
		LR:    0x1000,
		FP:    0x2000,
		SP:    0x3000,
		Stack: stack,
	}
	buf := make([]byte, DetailRecordSize(64))
	require.NoError(t, EncodeDetail(buf, &ev))

	got, err := DecodeDetail(buf)
	require.NoError(t, err)
	assert.Equal(t, ev.IndexEvent, got.IndexEvent)
	assert.Equal(t, ev.LR, got.LR)
	assert.Equal(t, ev.FP, got.FP)
	assert.Equal(t, ev.SP, got.SP)
	assert.Equal(t, stack, got.Stack)
}

func TestEncodeDetail_TruncatesOversizedStack(t *testing.T) {
	big := make([]byte, 128)
	for i := range big {
		big[i] = byte(i)
	}
	ev := DetailEvent{Stack: big}
	buf := make([]byte, DetailRecordSize(64))
	require.NoError(t, EncodeDetail(buf, &ev))

	got, err := DecodeDetail(buf)
	require.NoError(t, err)
	assert.Len(t, got.Stack, 64)
	assert.Equal(t, big[:64], got.Stack)
}

func TestEncodeDetail_ZeroLengthStack(t *testing.T) {
	ev := DetailEvent{}
	buf := make([]byte, DetailRecordSize(64))
	require.NoError(t, EncodeDetail(buf, &ev))

	got, err := DecodeDetail(buf)
	require.NoError(t, err)
	assert.Empty(t, got.Stack)
}

func TestKindMarkedFlag(t *testing.T) {
	k := KindCall | KindMarkedFlag
	assert.True(t, k.Marked())
	assert.Equal(t, KindCall, k.Base())
	assert.Equal(t, "CALL", k.String())
	assert.False(t, KindReturn.Marked())

	ev := IndexEvent{Kind: k}
	buf := make([]byte, IndexRecordSize)
	require.NoError(t, EncodeIndex(buf, &ev))
	assert.True(t, RecordMarked(buf))

	ev.Kind = KindCall
	require.NoError(t, EncodeIndex(buf, &ev))
	assert.False(t, RecordMarked(buf))
}

func TestClockMonotonic(t *testing.T) {
	a := Now()
	b := Now()
	assert.GreaterOrEqual(t, b, a)

	wall, mono := Calibration()
	assert.False(t, wall.IsZero())
	assert.Greater(t, mono, uint64(0))
}
