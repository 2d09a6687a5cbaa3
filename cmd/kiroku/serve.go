package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, streams and MCP endpoint",
	Long: `Serves the HTTP API, the SSE and WebSocket run streams and the MCP
endpoint at /mcp. Unless --no-worker is set (or KIROKU_WORKER_ENABLED=false)
the process also runs a worker that claims and executes runs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	servePort     int
	serveNoWorker bool
)

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port (defaults to KIROKU_PORT)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Do not run a worker in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(os.Stdout)

	opts := append(storeOptions(),
		kiroku.WithRole(kiroku.RoleServer),
		kiroku.WithLogger(logger),
		kiroku.WithVersion(version),
	)
	if servePort != 0 {
		opts = append(opts, kiroku.WithPort(servePort))
	}
	if serveNoWorker {
		opts = append(opts, kiroku.WithWorker(false))
	}

	app, err := kiroku.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
