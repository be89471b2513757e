// Package atf materializes trace sessions on disk: one append-only
// binary stream per thread and lane, plus the JSON session manifest.
//
// Stream layout: a 32-byte header, a packed array of fixed-size records,
// and a 32-byte footer written on finalize. The header makes a
// truncated file self-describing.
package atf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LaneKind selects which of a thread's two streams a file holds.
type LaneKind int

const (
	LaneIndex LaneKind = iota
	LaneDetail
)

func (k LaneKind) String() string {
	if k == LaneDetail {
		return "detail"
	}
	return "index"
}

const (
	// FormatVersion is the on-disk stream and manifest version.
	FormatVersion = 1

	// HeaderSize is the fixed size of the stream header.
	HeaderSize = 32

	// FooterSize is the fixed size of the stream footer.
	FooterSize = 32

	MagicIndex  = "ADAIDX1\x00"
	MagicDetail = "ADADTL1\x00"
	MagicFooter = "ADAFTR1\x00"
)

var (
	ErrBadMagic   = errors.New("atf: unrecognized stream magic")
	ErrBadVersion = errors.New("atf: unsupported format version")
)

// Header describes one per-thread stream file.
type Header struct {
	Magic      string
	Version    uint32
	RecordSize uint32
	SlotIndex  uint32
}

// EncodeHeader renders a stream header for the given lane.
func EncodeHeader(kind LaneKind, recordSize, slotIndex uint32) [HeaderSize]byte {
	var b [HeaderSize]byte
	magic := MagicIndex
	if kind == LaneDetail {
		magic = MagicDetail
	}
	copy(b[0:8], magic)
	binary.LittleEndian.PutUint32(b[8:12], FormatVersion)
	binary.LittleEndian.PutUint32(b[12:16], recordSize)
	binary.LittleEndian.PutUint32(b[16:20], slotIndex)
	return b
}

// ParseHeader validates and decodes a stream header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("atf: header truncated at %d bytes", len(b))
	}
	magic := string(b[0:8])
	if magic != MagicIndex && magic != MagicDetail {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Magic:      magic,
		Version:    binary.LittleEndian.Uint32(b[8:12]),
		RecordSize: binary.LittleEndian.Uint32(b[12:16]),
		SlotIndex:  binary.LittleEndian.Uint32(b[16:20]),
	}
	if h.Version != FormatVersion {
		return h, ErrBadVersion
	}
	return h, nil
}

// Footer carries a stream's final counters.
type Footer struct {
	EventsWritten uint64
	BytesWritten  uint64
}

// EncodeFooter renders a stream footer.
func EncodeFooter(f Footer) [FooterSize]byte {
	var b [FooterSize]byte
	copy(b[0:8], MagicFooter)
	binary.LittleEndian.PutUint64(b[8:16], f.EventsWritten)
	binary.LittleEndian.PutUint64(b[16:24], f.BytesWritten)
	return b
}

// ParseFooter decodes a stream footer.
func ParseFooter(b []byte) (Footer, error) {
	if len(b) < FooterSize {
		return Footer{}, fmt.Errorf("atf: footer truncated at %d bytes", len(b))
	}
	if string(b[0:8]) != MagicFooter {
		return Footer{}, ErrBadMagic
	}
	return Footer{
		EventsWritten: binary.LittleEndian.Uint64(b[8:16]),
		BytesWritten:  binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}
