package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/clack-chat/clack/db"
	"github.com/clack-chat/clack/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Applies the embedded schema migrations to the configured PostgreSQL
database. Safe to run repeatedly; already-applied migrations are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := newLogger(cfg.Dev)
		slog.SetDefault(logger)

		if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
