// Package audit records every planning and execution decision of a run.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an audit entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Log records an entry and never fails the caller; write errors are logged.
func Log(ctx context.Context, r Recorder, runID string, level Level, message string, metadata map[string]any) {
	if r == nil {
		return
	}
	err := r.Record(ctx, Entry{RunID: runID, Level: level, Message: message, Metadata: metadata})
	if err != nil {
		slog.Warn("audit write failed", "run_id", runID, "message", message, "error", err)
	}
}

// Store is the SQL-backed audit log.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu        sync.RWMutex
	listeners []func(Entry)
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// OnAppend registers a callback invoked after each successful append.
func (s *Store) OnAppend(fn func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Record appends an entry, filling in id, level and timestamp when unset.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = "aud_" + strings.ReplaceAll(uuid.New().String()[:13], "-", "")
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, run_id, level, message, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, string(e.Level), e.Message, string(meta), e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
	return nil
}

// List returns a run's entries in chronological order. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, runID string, limit int) ([]Entry, error) {
	query := `SELECT id, run_id, level, message, metadata, created_at FROM audit_log WHERE run_id = ? ORDER BY created_at, rowid`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			level string
			meta  string
			ts    int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &level, &e.Message, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Level = Level(level)
		e.Timestamp = time.Unix(0, ts)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteRun removes every entry of a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete audit entries: %w", err)
	}
	return nil
}

// Memory is an in-process Recorder, used where no database is wired.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends to the in-memory log.
func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Messages returns the message of every entry, in order.
func (m *Memory) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Message
	}
	return out
}
