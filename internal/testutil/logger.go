// Package testutil provides shared test infrastructure: a quiet
// logger and a disposable PostgreSQL container with the chat schema.
package testutil

import "log/slog"

// DiscardLogger returns a logger that drops all output, keeping test
// runs quiet.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
