package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agentengine/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool         *pgxpool.Pool
	revertTables map[string]bool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
// revertTables is the allow-list of tables RevertDBChange may touch.
func NewStore(pool *pgxpool.Pool, revertTables ...string) *Store {
	allowed := make(map[string]bool, len(revertTables))
	for _, t := range revertTables {
		allowed[t] = true
	}
	return &Store{pool: pool, revertTables: allowed}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
