// Package heartbeat maintains the liveness file read by "huddle status".
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultInterval is how often a running server refreshes its file.
const DefaultInterval = 30 * time.Second

// Status is the liveness verdict for a heartbeat file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the content of the file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Stats
}

// Stats is the server state sampled on every write.
type Stats struct {
	Addr      string `json:"addr,omitempty"`
	Storage   string `json:"storage,omitempty"`
	Documents int    `json:"documents"`
	Sessions  int    `json:"sessions"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Writer refreshes the heartbeat file until its context ends.
type Writer struct {
	Path     string
	Interval time.Duration
	Stats    func() Stats // optional
}

// NewWriter returns a Writer for path using DefaultInterval.
func NewWriter(path string, stats func() Stats) *Writer {
	return &Writer{Path: path, Interval: DefaultInterval, Stats: stats}
}

// Run writes the file at once and then on every tick. It returns the
// first write error, or nil once ctx is done, removing the file on the way
// out. Later write errors are logged and retried on the next tick.
func (w *Writer) Run(ctx context.Context) error {
	started := time.Now()
	if err := w.write(started); err != nil {
		return err
	}
	defer os.Remove(w.Path)

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.write(started); err != nil {
				slog.Warn("heartbeat write failed", "path", w.Path, "error", err)
			}
		}
	}
}

func (w *Writer) write(started time.Time) error {
	now := time.Now()
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: started,
		Timestamp: now,
		Uptime:    now.Sub(started).Truncate(time.Second).String(),
	}
	if w.Stats != nil {
		hb.Stats = w.Stats()
	}
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("heartbeat dir: %w", err)
	}
	tmp := w.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, w.Path)
}

// Check reads the file at path. A missing file is dead with no heartbeat.
// A file older than maxAge is stale. A file whose process is gone is dead
// and still returned, so callers can report the last known state.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return StatusDead, nil, nil
	}
	if err != nil {
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	switch {
	case !running(hb.PID):
		return StatusDead, &hb, nil
	case time.Since(hb.Timestamp) > maxAge:
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}

// running probes pid with signal 0. EPERM means it exists under another user.
func running(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
