package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentengine/internal/adapter/postgres"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long:  "Apply, roll back or inspect PostgreSQL migrations. SQLite stores create their schema on open.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, done, err := migrationDSN(*configPath)
			if err != nil {
				return err
			}
			defer done()
			if err := postgres.RunMigrations(cmd.Context(), dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the last migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			dsn, done, err := migrationDSN(*configPath)
			if err != nil {
				return err
			}
			defer done()
			if err := postgres.RollbackMigrations(cmd.Context(), dsn, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, done, err := migrationDSN(*configPath)
			if err != nil {
				return err
			}
			defer done()
			v, err := postgres.MigrationVersion(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})

	return cmd
}

func migrationDSN(configPath string) (string, func(), error) {
	cfg, closer, err := loadConfig(configPath)
	if err != nil {
		return "", nil, err
	}
	if cfg.Store.Driver != "postgres" {
		closer.Close()
		return "", nil, fmt.Errorf("migrate requires store.driver postgres, got %q", cfg.Store.Driver)
	}
	return cfg.Postgres.DSN, closer.Close, nil
}
