package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serves the kiroku MCP tools, resources and prompts on stdin/stdout for
agents that launch MCP servers as subprocesses. Logs go to stderr. Runs
created here are executed by whichever workers share the store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout carries the protocol.
		logger := newLogger(os.Stderr)

		app, err := kiroku.New(append(storeOptions(),
			kiroku.WithRole(kiroku.RoleMCP),
			kiroku.WithLogger(logger),
			kiroku.WithVersion(version),
		)...)
		if err != nil {
			return err
		}
		return app.ServeMCP(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
