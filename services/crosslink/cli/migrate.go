package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/crosslink/internal/postgres"
	"github.com/ramiqadoumi/crosslink/internal/sqlite"
	"github.com/ramiqadoumi/crosslink/services/crosslink/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the task store schema",
	Long: `Apply the task store schema for the configured store_backend.

PostgreSQL reads the DSN from --postgres-dsn, POSTGRES_DSN or the config file.
SQLite creates the database file at --sqlite-path if it does not exist.
The memory and redis backends have no schema.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		for _, f := range applied {
			fmt.Fprintf(out, "applied %s\n", f)
		}

	case config.BackendSQLite, "":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "schema ready in %s\n", cfg.SQLitePath)

	case config.BackendMemory, config.BackendRedis:
		fmt.Fprintf(out, "store_backend %q has no schema\n", cfg.StoreBackend)
		return nil

	default:
		return fmt.Errorf("%w %q", errUnknownBackend, cfg.StoreBackend)
	}

	fmt.Fprintln(out, "migrations complete")
	return nil
}
