package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	w := NewWriter(path, "127.0.0.1:18430", time.Hour, func() Load {
		return Load{Slots: 2, Busy: 1, RunIDs: []string{"run-1"}}
	})
	w.Start()
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.Address != "127.0.0.1:18430" {
		t.Errorf("address: got %q", hb.Address)
	}
	if hb.Load.Slots != 2 || hb.Load.Busy != 1 || len(hb.Load.RunIDs) != 1 {
		t.Errorf("load: got %+v", hb.Load)
	}
}

func TestStaleDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, _, err := Check(path, time.Minute)
	if err == nil {
		t.Fatal("expected an error")
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
}

func TestStopRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	w := NewWriter(path, "", time.Hour, nil)
	w.Start()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected heartbeat file after Start: %v", err)
	}
	w.Stop()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}
