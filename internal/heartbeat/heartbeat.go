// Package heartbeat publishes the liveness and load of a serving process in a file
// so that other processes (the CLI) can check on it.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the heartbeat file inside the data directory.
const FileName = "heartbeat.json"

// DefaultInterval is how often the file is rewritten.
const DefaultInterval = 30 * time.Second

// Status represents the liveness state of the serving process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Load is the dispatcher occupancy at the time of a heartbeat.
type Load struct {
	Slots  int      `json:"slots"`
	Busy   int      `json:"busy"`
	RunIDs []string `json:"run_ids,omitempty"`
}

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Address   string    `json:"address,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Load      Load      `json:"load"`
}

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path     string
	address  string
	interval time.Duration
	probe    func() Load
	started  time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewWriter creates a writer for path. probe, when set, is sampled on every write.
func NewWriter(path, address string, interval time.Duration, probe func() Load) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		path:     path,
		address:  address,
		interval: interval,
		probe:    probe,
	}
}

// Start writes a first heartbeat and keeps rewriting it in the background.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return
	}

	w.started = time.Now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.write()

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-stop:
				return
			}
		}
	}(w.stop, w.done)
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		slog.Debug("remove heartbeat", "path", w.path, "error", err)
	}
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		Address:   w.address,
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.probe != nil {
		hb.Load = w.probe()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Debug("heartbeat dir", "path", w.path, "error", err)
		return
	}
	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Debug("write heartbeat", "path", w.path, "error", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		slog.Debug("write heartbeat", "path", w.path, "error", err)
	}
}

// Check reads a heartbeat file and returns the liveness status.
// A heartbeat older than maxAge is stale; a missing file is dead.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
