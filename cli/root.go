package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// RootCmd builds the sentinelflow command tree.
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sentinelflow",
		Short:         "SentinelFlow - security workflow execution engine",
		Long:          "Validate, trigger and serve SentinelFlow workflow definitions.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.AddCommand(WorkerCmd())
	rootCmd.AddCommand(ValidateCmd())
	rootCmd.AddCommand(TriggerCmd())
	return rootCmd
}

// commandContext returns a context carrying a logger configured from the
// command's persistent flags.
func commandContext(cmd *cobra.Command) context.Context {
	level, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")
	cfg := logger.DefaultConfig()
	cfg.Level = logger.LogLevel(level)
	cfg.JSON = asJSON
	return logger.ContextWithLogger(cmd.Context(), logger.NewLogger(cfg))
}
