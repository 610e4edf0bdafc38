package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/agentrunner/internal/storage/database"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), database.Options{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var seen []string
	s.OnAppend(func(e Entry) { seen = append(seen, e.Message) })

	if err := s.Record(ctx, Entry{RunID: "run_a", Message: "plan built", Metadata: map[string]any{"steps": 5}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, Entry{RunID: "run_a", Level: LevelWarn, Message: "step failed"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, Entry{RunID: "run_b", Message: "other run"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := s.List(ctx, "run_a", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Message != "plan built" || entries[1].Message != "step failed" {
		t.Errorf("order: got %q, %q", entries[0].Message, entries[1].Message)
	}
	if entries[0].Level != LevelInfo {
		t.Errorf("default level: got %q, want info", entries[0].Level)
	}
	if entries[0].Metadata["steps"] != float64(5) {
		t.Errorf("metadata: got %v", entries[0].Metadata)
	}
	if entries[0].ID == "" {
		t.Error("expected generated id")
	}
	if len(seen) != 3 {
		t.Errorf("listener calls: got %d, want 3", len(seen))
	}

	limited, err := s.List(ctx, "run_a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}

	if err := s.DeleteRun(ctx, "run_a"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	entries, _ = s.List(ctx, "run_a", 0)
	if len(entries) != 0 {
		t.Errorf("after delete: got %d entries", len(entries))
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, Entry) error { return errors.New("disk full") }

func TestLog_NeverFails(t *testing.T) {
	Log(context.Background(), failingRecorder{}, "run_x", LevelInfo, "msg", nil)
	Log(context.Background(), nil, "run_x", LevelInfo, "msg", nil)

	m := &Memory{}
	Log(context.Background(), m, "run_x", LevelInfo, "hello", nil)
	if got := m.Messages(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("Messages: got %v", got)
	}
}
