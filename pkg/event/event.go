// Package event defines the fixed-size trace event records that flow
// through the capture pipeline and their binary encoding.
package event

import (
	"encoding/binary"
	"errors"
)

// Kind identifies what a trace event describes. The high bit carries the
// marked flag used by the detail persistence policy; Base strips it.
type Kind uint8

const (
	KindCall   Kind = 1
	KindReturn Kind = 2

	// KindMarkedFlag tags an event as a persistence trigger for the
	// detail lane's marked policy.
	KindMarkedFlag Kind = 0x80
)

// Base returns the kind with the marked flag cleared.
func (k Kind) Base() Kind {
	return k &^ KindMarkedFlag
}

// Marked reports whether the marked flag is set.
func (k Kind) Marked() bool {
	return k&KindMarkedFlag != 0
}

func (k Kind) String() string {
	switch k.Base() {
	case KindCall:
		return "CALL"
	case KindReturn:
		return "RETURN"
	default:
		return "UNKNOWN"
	}
}

const (
	// IndexRecordSize is the wire size of one IndexEvent.
	IndexRecordSize = 32

	// DetailHeadSize is the fixed prefix of a DetailEvent before the
	// stack snapshot.
	DetailHeadSize = 64

	kindOffset = 20
)

var ErrShortBuffer = errors.New("event: buffer too small for record")

// IndexEvent is the compact call/return skeleton captured for every
// instrumented call. It encodes to exactly IndexRecordSize bytes.
type IndexEvent struct {
	Timestamp  uint64
	FunctionID uint64
	ThreadID   uint32
	Kind       Kind
	Depth      uint16
}

// EncodeIndex writes ev into dst, which must hold at least
// IndexRecordSize bytes.
func EncodeIndex(dst []byte, ev *IndexEvent) error {
	if len(dst) < IndexRecordSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst[0:8], ev.Timestamp)
	binary.LittleEndian.PutUint64(dst[8:16], ev.FunctionID)
	binary.LittleEndian.PutUint32(dst[16:20], ev.ThreadID)
	dst[20] = byte(ev.Kind)
	dst[21] = 0
	binary.LittleEndian.PutUint16(dst[22:24], ev.Depth)
	for i := 24; i < 32; i++ {
		dst[i] = 0
	}
	return nil
}

// DecodeIndex parses one IndexEvent record from src.
func DecodeIndex(src []byte) (IndexEvent, error) {
	if len(src) < IndexRecordSize {
		return IndexEvent{}, ErrShortBuffer
	}
	return IndexEvent{
		Timestamp:  binary.LittleEndian.Uint64(src[0:8]),
		FunctionID: binary.LittleEndian.Uint64(src[8:16]),
		ThreadID:   binary.LittleEndian.Uint32(src[16:20]),
		Kind:       Kind(src[20]),
		Depth:      binary.LittleEndian.Uint16(src[22:24]),
	}, nil
}

// DetailEvent carries the IndexEvent fields plus captured machine
// context: link register, frame pointer, stack pointer, and a bounded
// stack snapshot. It encodes to DetailHeadSize + stack capacity bytes.
type DetailEvent struct {
	IndexEvent
	LR    uint64
	FP    uint64
	SP    uint64
	Stack []byte
}

// DetailRecordSize returns the on-wire record size for a given stack
// snapshot capacity.
func DetailRecordSize(stackBytes int) int {
	return DetailHeadSize + stackBytes
}

// EncodeDetail writes ev into dst. The record size (and therefore the
// stack capacity) is len-derived: dst must be exactly one record, at
// least DetailHeadSize bytes. A snapshot longer than the record's stack
// area is truncated; StackLen records the stored length.
func EncodeDetail(dst []byte, ev *DetailEvent) error {
	if len(dst) < DetailHeadSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(dst[0:8], ev.Timestamp)
	binary.LittleEndian.PutUint64(dst[8:16], ev.FunctionID)
	binary.LittleEndian.PutUint32(dst[16:20], ev.ThreadID)
	dst[20] = byte(ev.Kind)
	dst[21] = 0
	binary.LittleEndian.PutUint16(dst[22:24], ev.Depth)
	binary.LittleEndian.PutUint64(dst[24:32], ev.LR)
	binary.LittleEndian.PutUint64(dst[32:40], ev.FP)
	binary.LittleEndian.PutUint64(dst[40:48], ev.SP)

	stackArea := dst[DetailHeadSize:]
	n := copy(stackArea, ev.Stack)
	for i := n; i < len(stackArea); i++ {
		stackArea[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[48:52], uint32(n))
	for i := 52; i < DetailHeadSize; i++ {
		dst[i] = 0
	}
	return nil
}

// DecodeDetail parses one DetailEvent record from src. The returned
// Stack aliases src.
func DecodeDetail(src []byte) (DetailEvent, error) {
	if len(src) < DetailHeadSize {
		return DetailEvent{}, ErrShortBuffer
	}
	ev := DetailEvent{
		IndexEvent: IndexEvent{
			Timestamp:  binary.LittleEndian.Uint64(src[0:8]),
			FunctionID: binary.LittleEndian.Uint64(src[8:16]),
			ThreadID:   binary.LittleEndian.Uint32(src[16:20]),
			Kind:       Kind(src[20]),
			Depth:      binary.LittleEndian.Uint16(src[22:24]),
		},
		LR: binary.LittleEndian.Uint64(src[24:32]),
		FP: binary.LittleEndian.Uint64(src[32:40]),
		SP: binary.LittleEndian.Uint64(src[40:48]),
	}
	stackLen := int(binary.LittleEndian.Uint32(src[48:52]))
	if stackLen > len(src)-DetailHeadSize {
		stackLen = len(src) - DetailHeadSize
	}
	ev.Stack = src[DetailHeadSize : DetailHeadSize+stackLen]
	return ev, nil
}

// RecordMarked reports whether the record at the start of src carries
// the marked flag. Works for both index and detail records since the
// kind byte sits at the same offset.
func RecordMarked(src []byte) bool {
	return len(src) > kindOffset && Kind(src[kindOffset]).Marked()
}
