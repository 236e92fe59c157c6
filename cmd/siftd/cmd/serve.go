package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/siftlabs/siftd/internal/service"
	"github.com/siftlabs/siftd/internal/worker"
)

// newServeCmd creates the serve command: the long-running worker
// process that consumes the job queue.
func newServeCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing workers",
		Long: `Start the worker pool: dequeue indexing jobs, run the chunk, embed,
and upsert pipeline, and keep the lexical and vector indexes current.
Stops gracefully on SIGINT/SIGTERM, finishing in-flight jobs first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers > 0 {
				cfg.Workers.Count = workers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool := service.NewPool(cfg)
			if err := pool.Init(ctx); err != nil {
				return err
			}
			defer pool.Close()

			slog.Info("siftd serving",
				"workers", cfg.Workers.Count,
				"queue_backend", cfg.Queue.Backend,
				"lexical_backend", cfg.Lexical.Backend,
				"data_dir", cfg.DataDir)

			workerPool := worker.NewPool(worker.Config{
				Count:         cfg.Workers.Count,
				JobTimeout:    cfg.Workers.JobTimeout,
				LeaseDuration: cfg.Queue.LeaseDuration,
			}, pool.Queue, pool.Orchestrator, pool.Tracker)
			workerPool.Run(ctx)
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker count (overrides config)")
	return cmd
}
