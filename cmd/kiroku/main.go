// Package main is the kiroku command: the HTTP server, standalone workers,
// migrations and the stdio MCP server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
)

// version is set at build time via -ldflags.
var version = "dev"

// Flags shared by every command that opens the store.
var (
	flagDatabaseURL string
	flagSQLitePath  string
)

var rootCmd = &cobra.Command{
	Use:   "kiroku",
	Short: "Durable run orchestrator with an append-only event log",
	Long: `kiroku queues goals as runs, drives them step by step on a pool of
workers and records every step in an append-only event log that clients can
read, stream and steer.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", "", "Postgres connection URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagSQLitePath, "sqlite-path", "", "SQLite database file (defaults to KIROKU_SQLITE_PATH)")
}

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from KIROKU_LOG_LEVEL.
func newLogger(w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("KIROKU_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// storeOptions turns the persistent flags into App options.
func storeOptions() []kiroku.Option {
	var opts []kiroku.Option
	if flagDatabaseURL != "" {
		opts = append(opts, kiroku.WithDatabaseURL(flagDatabaseURL))
	}
	if flagSQLitePath != "" {
		opts = append(opts, kiroku.WithSQLitePath(flagSQLitePath))
	}
	return opts
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kiroku version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "kiroku", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
