package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/agentengine/internal/adapter/postgres"
	"github.com/Strob0t/agentengine/internal/adapter/sqlite"
	"github.com/Strob0t/agentengine/internal/config"
	"github.com/Strob0t/agentengine/internal/port/database"
)

// openStore connects the configured store. With migrate set, PostgreSQL
// migrations are applied before the pool opens; SQLite applies its schema
// on open. The returned func releases the connection.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (database.Store, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLite.Path, cfg.Postgres.RevertTables...)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
		return s, func() { _ = s.Close() }, nil

	default:
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
		return postgres.NewStore(pool, cfg.Postgres.RevertTables...), pool.Close, nil
	}
}
