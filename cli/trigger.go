package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/worker"
	"github.com/sentinelflow/sentinelflow/pkg/config"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// TriggerCmd starts one workflow instance and waits for its result.
func TriggerCmd() *cobra.Command {
	var orgID string
	var inputsJSON string
	var detach bool
	cmd := &cobra.Command{
		Use:   "trigger <workflow.yaml>",
		Short: "Trigger a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			wf, err := dsl.FromYAML(data)
			if err != nil {
				return err
			}
			var inputs core.Input
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("invalid --inputs payload: %w", err)
				}
			}
			c, err := worker.NewClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			run, err := c.TriggerWorkflow(ctx, wf, &worker.TriggerOptions{
				OrgID:  orgID,
				Inputs: inputs,
			})
			if err != nil {
				return err
			}
			if detach {
				logger.FromContext(ctx).Info("Instance started", "workflow_id", run.WorkflowID)
				return nil
			}
			result, err := run.Wait(ctx)
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default", "Organization the instance is admitted under")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "Trigger inputs as a JSON object")
	cmd.Flags().BoolVar(&detach, "detach", false, "Return immediately after starting the instance")
	return cmd
}
