package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker",
	Long: `Claims runs from the shared store and executes them until interrupted.
Any number of workers may share one Postgres database; a run whose worker
disappears is adopted by another once its lease expires.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var workerID string

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Owner id for claimed runs (defaults to KIROKU_WORKER_ID, then a random id)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger := newLogger(os.Stdout)

	opts := append(storeOptions(),
		kiroku.WithRole(kiroku.RoleWorker),
		kiroku.WithLogger(logger),
		kiroku.WithVersion(version),
	)
	if workerID != "" {
		opts = append(opts, kiroku.WithWorkerID(workerID))
	}

	app, err := kiroku.New(opts...)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
