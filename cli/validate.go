package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// ValidateCmd checks workflow definitions without touching the substrate.
func ValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Validate workflow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			log := logger.FromContext(ctx)
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				wf, err := dsl.FromYAML(data)
				if err != nil {
					failed++
					log.Error("Definition rejected", "file", path, "error", err)
					continue
				}
				log.Info("Definition valid",
					"file", path,
					"title", wf.Title,
					"actions", len(wf.Actions),
				)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions failed validation", failed, len(args))
			}
			return nil
		},
	}
}
