package atf

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// threadFile is one open per-thread stream.
type threadFile struct {
	file    *os.File
	bufw    *bufio.Writer
	relPath string
	records uint64
	bytes   uint64
	failed  bool
}

// Writer owns every file descriptor of a session. It is driven only by
// the drain worker; the mutex, taken by WriteRing and Finalize alike,
// serializes appends against finalization.
type Writer struct {
	sessionDir string
	logger     *zap.Logger

	mu        sync.Mutex
	files     map[fileKey]*threadFile
	finalized bool
}

type fileKey struct {
	slot uint32
	kind LaneKind
}

// NewWriter creates the session directory and an empty writer.
func NewWriter(sessionDir string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("atf: create session dir: %w", err)
	}
	return &Writer{
		sessionDir: sessionDir,
		logger:     logger,
		files:      make(map[fileKey]*threadFile),
	}, nil
}

// SessionDir returns the session root directory.
func (w *Writer) SessionDir() string {
	return w.sessionDir
}

func (w *Writer) open(slot uint32, kind LaneKind, recordSize uint32) (*threadFile, error) {
	relDir := fmt.Sprintf("thread_%d", slot)
	if err := os.MkdirAll(filepath.Join(w.sessionDir, relDir), 0o755); err != nil {
		return nil, fmt.Errorf("atf: create thread dir: %w", err)
	}
	relPath := filepath.Join(relDir, kind.String()+".atf")
	f, err := os.Create(filepath.Join(w.sessionDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("atf: create stream file: %w", err)
	}

	tf := &threadFile{
		file:    f,
		bufw:    bufio.NewWriterSize(f, 1<<16),
		relPath: relPath,
	}
	header := EncodeHeader(kind, recordSize, slot)
	if _, err := tf.bufw.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("atf: write stream header: %w", err)
	}
	return tf, nil
}

// WriteRing appends a drained ring's records to the slot's stream,
// creating the file on first delivery. data must be a whole number of
// records.
func (w *Writer) WriteRing(slot uint32, kind LaneKind, recordSize uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return errors.New("atf: writer already finalized")
	}

	key := fileKey{slot: slot, kind: kind}
	tf := w.files[key]
	if tf == nil {
		var err error
		tf, err = w.open(slot, kind, recordSize)
		if err != nil {
			return err
		}
		w.files[key] = tf
	}
	if tf.failed {
		return fmt.Errorf("atf: stream %s previously failed", tf.relPath)
	}
	if _, err := tf.bufw.Write(data); err != nil {
		tf.failed = true
		return fmt.Errorf("atf: append to %s: %w", tf.relPath, err)
	}
	tf.records += uint64(len(data)) / uint64(recordSize)
	tf.bytes += uint64(len(data))
	return nil
}

// StreamInfo summarizes one finalized per-thread stream.
type StreamInfo struct {
	SlotIndex uint32
	Kind      LaneKind
	Path      string
	Records   uint64
	Bytes     uint64
}

// Finalize flushes every stream, appends footers, and closes the files.
// Idempotent; returns the first error encountered while still
// finalizing the remaining streams.
func (w *Writer) Finalize() ([]StreamInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return w.streamInfosLocked(), nil
	}
	w.finalized = true

	var firstErr error
	for _, tf := range w.files {
		footer := EncodeFooter(Footer{EventsWritten: tf.records, BytesWritten: tf.bytes})
		if _, err := tf.bufw.Write(footer[:]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("atf: write footer for %s: %w", tf.relPath, err)
		}
		if err := tf.bufw.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("atf: flush %s: %w", tf.relPath, err)
		}
		if err := tf.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("atf: close %s: %w", tf.relPath, err)
		}
	}
	if firstErr != nil {
		w.logger.Error("stream finalize failed", zap.Error(firstErr))
	}
	return w.streamInfosLocked(), firstErr
}

func (w *Writer) streamInfosLocked() []StreamInfo {
	infos := make([]StreamInfo, 0, len(w.files))
	for key, tf := range w.files {
		infos = append(infos, StreamInfo{
			SlotIndex: key.slot,
			Kind:      key.kind,
			Path:      tf.relPath,
			Records:   tf.records,
			Bytes:     tf.bytes,
		})
	}
	return infos
}
