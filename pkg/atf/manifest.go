package atf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adatrace/adatrace/pkg/hookreg"
)

// ManifestFileName is the manifest's name at the session root.
const ManifestFileName = "trace.json"

// ThreadManifest references one thread's streams in the manifest.
type ThreadManifest struct {
	SlotIndex     uint32 `json:"slot_index"`
	ThreadID      uint32 `json:"thread_id"`
	IndexPath     string `json:"index_path,omitempty"`
	DetailPath    string `json:"detail_path,omitempty"`
	EventsWritten uint64 `json:"events_written"`
	EventsDropped uint64 `json:"events_dropped"`
}

// Manifest is the top-level record of a trace session.
type Manifest struct {
	FormatVersion   int    `json:"format_version"`
	SessionID       string `json:"session_id"`
	PID             int    `json:"pid"`
	StartedAtNsMono uint64 `json:"started_at_ns_monotonic"`
	StartedAtUTC    string `json:"started_at_utc"`
	StoppedAtNsMono uint64 `json:"stopped_at_ns_monotonic"`
	StoppedAtUTC    string `json:"stopped_at_utc"`
	OS              string `json:"os"`
	Arch            string `json:"arch"`

	Threads []ThreadManifest       `json:"threads"`
	Modules []hookreg.ModuleExport `json:"modules"`
	Symbols []hookreg.SymbolExport `json:"symbols"`
}

// WriteManifest atomically writes the manifest at the session root by
// writing a temporary file and renaming it into place.
func WriteManifest(sessionDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("atf: marshal manifest: %w", err)
	}
	data = append(data, '\n')

	target := filepath.Join(sessionDir, ManifestFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("atf: write manifest: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atf: publish manifest: %w", err)
	}
	return nil
}

// ReadManifest loads and parses a session manifest.
func ReadManifest(sessionDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("atf: read manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("atf: parse manifest: %w", err)
	}
	return m, nil
}
