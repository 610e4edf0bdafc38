package memory

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/dohr-michael/agentrunner/internal/storage/database"
)

// Repository persists memories. Implementations never fail because the
// backing tables are missing; see Unprovisioned.
type Repository interface {
	AddSession(ctx context.Context, item Item) (*Item, error)
	// ListSession returns the last limit items of a run, oldest first.
	// A limit of zero returns every item.
	ListSession(ctx context.Context, runID string, limit int) ([]Item, error)
	AddLongTerm(ctx context.Context, item LongTermItem) (*LongTermItem, error)
	// ListLongTerm returns matching items, most recently updated first, and
	// bumps their last access time.
	ListLongTerm(ctx context.Context, q LongTermQuery) ([]LongTermItem, error)
	Provisioned() bool
}

// Open returns the SQL repository when the memory tables exist and the
// unprovisioned repository otherwise.
func Open(ctx context.Context, db *sql.DB) (Repository, error) {
	for _, table := range []string{"agent_memory", "agent_long_term_memory"} {
		ok, err := database.TableExists(ctx, db, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Info("memory tables not provisioned, memory disabled", "missing", table)
			return Unprovisioned{}, nil
		}
	}
	return NewSQLRepository(db), nil
}

// Unprovisioned is the repository used when memory storage is not available.
// Writes are dropped and reads are empty.
type Unprovisioned struct{}

func (Unprovisioned) AddSession(_ context.Context, item Item) (*Item, error) {
	slog.Debug("memory not provisioned, session note dropped", "run_id", item.RunID)
	return nil, nil
}

func (Unprovisioned) ListSession(context.Context, string, int) ([]Item, error) {
	return nil, nil
}

func (Unprovisioned) AddLongTerm(_ context.Context, item LongTermItem) (*LongTermItem, error) {
	slog.Debug("memory not provisioned, long-term memory dropped", "memory_key", item.MemoryKey)
	return nil, nil
}

func (Unprovisioned) ListLongTerm(context.Context, LongTermQuery) ([]LongTermItem, error) {
	return nil, nil
}

func (Unprovisioned) Provisioned() bool { return false }
