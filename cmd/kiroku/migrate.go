package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger(os.Stdout)
		return kiroku.Migrate(cmd.Context(), append(storeOptions(), kiroku.WithLogger(logger))...)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
