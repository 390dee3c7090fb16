package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Indicator is the visible liveness signal (the extension's action badge).
// It toggles on handshake success and on disconnect.
type Indicator interface {
	SetConnected(connected bool, sessionID string)
}

// LogIndicator reports liveness transitions through slog.
type LogIndicator struct{}

func (LogIndicator) SetConnected(connected bool, sessionID string) {
	if connected {
		slog.Info("bridge status: connected", "session_id", sessionID)
		return
	}
	slog.Info("bridge status: disconnected")
}

// Status is the persisted liveness snapshot read by `browserbridge status`.
type Status struct {
	Connected bool      `json:"connected"`
	SessionID string    `json:"session_id,omitempty"`
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileIndicator writes the liveness snapshot to a JSON file.
type FileIndicator struct {
	Path string
}

func (f FileIndicator) SetConnected(connected bool, sessionID string) {
	st := Status{
		Connected: connected,
		SessionID: sessionID,
		PID:       os.Getpid(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := WriteStatus(f.Path, st); err != nil {
		slog.Warn("write status file failed", "path", f.Path, "error", err)
	}
}

// MultiIndicator fans a transition out to several indicators.
type MultiIndicator []Indicator

func (m MultiIndicator) SetConnected(connected bool, sessionID string) {
	for _, ind := range m {
		ind.SetConnected(connected, sessionID)
	}
}

// WriteStatus atomically replaces the status file.
func WriteStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatus loads the status file written by a running bridge.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return &st, nil
}
