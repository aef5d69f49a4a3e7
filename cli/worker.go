package cli

import (
	"github.com/spf13/cobra"

	"github.com/sentinelflow/sentinelflow/engine/worker"
	"github.com/sentinelflow/sentinelflow/pkg/config"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// WorkerCmd serves the task queue until interrupted.
func WorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a workflow worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			w, err := worker.New(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer w.Stop()
			log := logger.FromContext(ctx)
			log.Info("Worker started",
				"task_queue", cfg.Temporal.TaskQueue,
				"namespace", cfg.Temporal.Namespace,
			)
			return w.Run()
		},
	}
}
