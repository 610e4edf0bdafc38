package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLRepository stores memories in the agent_memory and
// agent_long_term_memory tables.
type SQLRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLRepository creates a repository over db. The tables must exist.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, now: time.Now}
}

func (r *SQLRepository) Provisioned() bool { return true }

func (r *SQLRepository) AddSession(ctx context.Context, item Item) (*Item, error) {
	if item.ID == "" {
		item.ID = generateID("mem_")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = r.now().UTC()
	}
	meta, err := encodeMap(item.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agent_memory (id, run_id, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.RunID, item.Content, meta, item.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert session memory: %w", err)
	}
	return &item, nil
}

func (r *SQLRepository) ListSession(ctx context.Context, runID string, limit int) ([]Item, error) {
	query := `SELECT id, run_id, content, metadata, created_at FROM agent_memory
		WHERE run_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session memory: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			meta    string
			created int64
		)
		if err := rows.Scan(&it.ID, &it.RunID, &it.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan session memory: %w", err)
		}
		it.Metadata = decodeMap(meta)
		it.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session memory: %w", err)
	}
	// Newest were read first; callers want oldest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (r *SQLRepository) AddLongTerm(ctx context.Context, item LongTermItem) (*LongTermItem, error) {
	now := r.now().UTC()
	if item.ID == "" {
		item.ID = generateID("ltm_")
	}
	item.Tags = normalizeTags(item.Tags)
	item.CreatedAt, item.UpdatedAt, item.LastAccessedAt = now, now, now

	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	meta, err := encodeMap(item.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agent_long_term_memory
			(id, memory_key, content, summary, tags, importance, metadata, last_accessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.MemoryKey, item.Content, item.Summary, string(tags), item.Importance, meta,
		now.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert long-term memory: %w", err)
	}
	return &item, nil
}

func (r *SQLRepository) ListLongTerm(ctx context.Context, q LongTermQuery) ([]LongTermItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin long-term list: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, memory_key, content, summary, tags, importance, metadata, last_accessed_at, created_at, updated_at
		FROM agent_long_term_memory WHERE memory_key = ? ORDER BY updated_at DESC, rowid DESC`, q.MemoryKey)
	if err != nil {
		return nil, fmt.Errorf("list long-term memory: %w", err)
	}
	var items []LongTermItem
	for rows.Next() {
		var (
			it                         LongTermItem
			tags, meta                 string
			accessed, created, updated int64
		)
		if err := rows.Scan(&it.ID, &it.MemoryKey, &it.Content, &it.Summary, &tags, &it.Importance, &meta,
			&accessed, &created, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan long-term memory: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &it.Tags)
		it.Metadata = decodeMap(meta)
		it.LastAccessedAt = time.Unix(0, accessed).UTC()
		it.CreatedAt = time.Unix(0, created).UTC()
		it.UpdatedAt = time.Unix(0, updated).UTC()
		if !q.matches(it) {
			continue
		}
		items = append(items, it)
		if q.Limit > 0 && len(items) >= q.Limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list long-term memory: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	now := r.now().UTC()
	ids := make([]any, 0, len(items)+1)
	ids = append(ids, now.UnixNano())
	for i := range items {
		items[i].LastAccessedAt = now
		ids = append(ids, items[i].ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_long_term_memory SET last_accessed_at = ? WHERE id IN (`+placeholders(len(items))+`)`,
		ids...); err != nil {
		return nil, fmt.Errorf("touch long-term memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit long-term list: %w", err)
	}
	return items, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMap(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
