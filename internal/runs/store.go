package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store is the SQL-backed run repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const runColumns = `id, prompt, model, tools, status, memory_key, plan_state, error_message, created_at, updated_at, started_at, finished_at`

// Create inserts a run in queued status.
func (s *Store) Create(ctx context.Context, in NewRun) (*Run, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("create run: prompt is required")
	}
	now := s.now()
	run := &Run{
		ID:        newID(),
		Prompt:    prompt,
		Model:     in.Model,
		Tools:     in.Tools,
		Status:    StatusQueued,
		MemoryKey: in.MemoryKey,
		PlanState: in.PlanState,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.MemoryKey == "" {
		run.MemoryKey = run.ID
	}

	tools, _ := json.Marshal(run.Tools)
	if run.Tools == nil {
		tools = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, prompt, model, tools, status, memory_key, plan_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Prompt, run.Model, string(tools), string(run.Status), run.MemoryKey,
		nullableJSON(run.PlanState), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	slog.Debug("run created", "run_id", run.ID)
	return run, nil
}

// Get loads a run with its log lines.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT line FROM run_logs WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get run logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		run.LogLines = append(run.LogLines, line)
	}
	return run, rows.Err()
}

// List returns runs newest first, without log lines.
func (s *Store) List(ctx context.Context, f Filter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Status returns the current status of a run.
func (s *Store) Status(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&st)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("get run status: %w", err)
	}
	return Status(st), nil
}

// ClaimNext moves the oldest queued run to running and returns it.
// Returns nil, nil when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY created_at, id LIMIT 1`, string(StatusQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued run: %w", err)
	}

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?), error_message = ''
		 WHERE id = ? AND status = ?`,
		string(StatusRunning), now, now, id, string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.Get(ctx, id)
}

// Transition sets status to `to` only when the current status is one of from.
// An empty from accepts any current status. Returns whether the row changed.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, errorMessage string) (bool, error) {
	now := s.now().UnixNano()
	query := `UPDATE runs SET status = ?, updated_at = ?, error_message = ?`
	args := []any{string(to), now, errorMessage}
	if to == StatusRunning {
		query += `, started_at = COALESCE(started_at, ?), finished_at = NULL`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}
	if to == StatusQueued {
		query += `, finished_at = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Status(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	slog.Debug("run status", "run_id", id, "status", to)
	return true, nil
}

// AppendLog appends a human-readable log line.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, line, created_at) VALUES (?, ?, ?)`, id, line, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// PlanState returns the opaque plan state blob (nil when unset).
func (s *Store) PlanState(ctx context.Context, id string) (json.RawMessage, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT plan_state FROM runs WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get plan state: %w", err)
	}
	if !state.Valid || state.String == "" {
		return nil, nil
	}
	return json.RawMessage(state.String), nil
}

// UpdatePlanState applies fn to the current plan state inside one transaction.
func (s *Store) UpdatePlanState(ctx context.Context, id string, fn func(json.RawMessage) (json.RawMessage, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan state update: %w", err)
	}
	defer tx.Rollback()

	var state sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT plan_state FROM runs WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("read plan state: %w", err)
	}
	var current json.RawMessage
	if state.Valid && state.String != "" {
		current = json.RawMessage(state.String)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET plan_state = ?, updated_at = ? WHERE id = ?`,
		nullableJSON(next), s.now().UnixNano(), id); err != nil {
		return fmt.Errorf("write plan state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan state: %w", err)
	}
	return nil
}

// Delete removes a run and its log lines.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteByStatus removes runs in the given statuses last updated before cutoff
// (zero cutoff means any age) and returns their ids.
func (s *Store) DeleteByStatus(ctx context.Context, statuses []Status, cutoff time.Time) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk delete: %w", err)
	}
	defer tx.Rollback()

	where := `status IN (` + placeholders(len(statuses)) + `)`
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	if !cutoff.IsZero() {
		where += ` AND updated_at < ?`
		args = append(args, cutoff.UnixNano())
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select runs to delete: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("bulk delete runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk delete: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		tools, status     string
		planState         sql.NullString
		created, updated  int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Prompt, &run.Model, &tools, &status, &run.MemoryKey,
		&planState, &run.ErrorMessage, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	_ = json.Unmarshal([]byte(tools), &run.Tools)
	if planState.Valid && planState.String != "" {
		run.PlanState = json.RawMessage(planState.String)
	}
	run.CreatedAt = time.Unix(0, created)
	run.UpdatedAt = time.Unix(0, updated)
	if started.Valid {
		t := time.Unix(0, started.Int64)
		run.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
