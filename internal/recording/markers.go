package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Marker file names inside the state directory.
const (
	RecordingFile  = "recording.pid"
	ProcessingFile = "processing"
)

// RecordingMarker is the content of recording.pid.
type RecordingMarker struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"` // Unix seconds
}

// Markers mirrors the session state into files that status bars can poll.
// A nil *Markers does nothing.
type Markers struct {
	dir     string
	refresh string
	log     *slog.Logger
}

// NewMarkers writes markers into dir. refresh, when non-empty, is run
// detached after every change.
func NewMarkers(dir, refresh string, log *slog.Logger) *Markers {
	if log == nil {
		log = slog.Default()
	}
	return &Markers{dir: dir, refresh: refresh, log: log}
}

// Recording writes recording.pid and removes any processing marker.
func (m *Markers) Recording(started time.Time) error {
	if m == nil {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("recording: create state dir: %w", err)
	}
	data, err := json.Marshal(RecordingMarker{PID: os.Getpid(), StartedAt: started.Unix()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.dir, RecordingFile), data, 0644); err != nil {
		return fmt.Errorf("recording: write marker: %w", err)
	}
	m.remove(ProcessingFile)
	m.runRefresh()
	return nil
}

// Processing replaces recording.pid with the processing marker.
func (m *Markers) Processing() error {
	if m == nil {
		return nil
	}
	m.remove(RecordingFile)
	if err := os.WriteFile(filepath.Join(m.dir, ProcessingFile), nil, 0644); err != nil {
		return fmt.Errorf("recording: write marker: %w", err)
	}
	m.runRefresh()
	return nil
}

// Clear removes both markers.
func (m *Markers) Clear() {
	if m == nil {
		return
	}
	m.remove(RecordingFile)
	m.remove(ProcessingFile)
	m.runRefresh()
}

// ReadRecordingMarker reads recording.pid from dir. It returns nil without
// error when no recording is in progress.
func ReadRecordingMarker(dir string) (*RecordingMarker, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordingFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rm RecordingMarker
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("recording: parse %s: %w", RecordingFile, err)
	}
	return &rm, nil
}

func (m *Markers) remove(name string) {
	if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("failed to remove marker", "file", name, "error", err)
	}
}

func (m *Markers) runRefresh() {
	parts := strings.Fields(m.refresh)
	if len(parts) == 0 {
		return
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	if err := cmd.Start(); err != nil {
		m.log.Warn("refresh command failed", "command", m.refresh, "error", err)
		return
	}
	go func() { _ = cmd.Wait() }()
}
