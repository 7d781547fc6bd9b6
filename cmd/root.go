// Package cmd contains the clack CLI commands. main.go stays a
// minimal entry point; all wiring lives here.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clack-chat/clack/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "clack",
	Short: "clack - chat backend with a retrieval-augmented assistant",
	Long: `clack serves a JSON API for channels, direct messages, and an AI
assistant that answers questions over the indexed chat history.

Run "clack serve" to start the API server, "clack migrate" to apply
database migrations.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger. DEBUG in the environment
// lowers the level; JSON output is the default outside dev mode so
// log collectors get structured lines.
func newLogger(dev bool) *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo, JSON: !dev}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}
	return log.New(cfg)
}
