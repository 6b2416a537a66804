package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knowbase/knowbase/internal/queue"
)

func newWorkerCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the document processing worker",
		Long: `Run the task queue worker that parses, chunks, embeds and indexes
queued documents. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workersOverride = workers
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			pool := queue.NewWorkerPool(a.queue, a.logger)
			a.svc.RegisterHandlers(pool)

			a.logger.Info("worker started",
				slog.Int("workers", a.cfg.Queue.Workers),
				slog.String("data_dir", a.cfg.Storage.DataDir))
			err = pool.Run(ctx)
			a.logger.Info("worker stopped")
			return err
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Override the configured worker count")
	return cmd
}
