package activities

import (
	"context"
	"encoding/json"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/executor"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

const RunActionLabel = "RunAction"

type RunActionInput struct {
	OrgID          string         `json:"org_id"`
	WorkflowExecID core.ID        `json:"workflow_exec_id"`
	Ref            string         `json:"ref"`
	Action         string         `json:"action"`
	Args           map[string]any `json:"args,omitempty"`
}

type RunActionOutput struct {
	Result any `json:"result"`
}

// RunAction executes a single action instance through the executor. Results
// larger than the inline threshold are externalized to the blob store so
// only a reference handle travels back through workflow state.
func (a *Activities) RunAction(ctx context.Context, input *RunActionInput) (*RunActionOutput, error) {
	log := logger.FromContext(ctx).With(
		"workflow_exec_id", input.WorkflowExecID,
		"ref", input.Ref,
	)
	result, err := a.runner.Run(ctx, &executor.RunInput{
		Ref:    input.Ref,
		Action: input.Action,
		Args:   input.Args,
	})
	if err != nil {
		return nil, err
	}
	offloaded, err := a.maybeOffload(ctx, result)
	if err != nil {
		log.Warn("Failed to externalize large result, keeping inline", "error", err)
		return &RunActionOutput{Result: result}, nil
	}
	return &RunActionOutput{Result: offloaded}, nil
}

// maybeOffload stores results above the inline threshold and returns a
// reference handle instead.
func (a *Activities) maybeOffload(ctx context.Context, result any) (any, error) {
	if a.blobs == nil || a.inlineThreshold <= 0 {
		return result, nil
	}
	payload, err := json.Marshal(result)
	if err != nil || len(payload) <= a.inlineThreshold {
		return result, nil
	}
	ref, err := a.blobs.Put(ctx, result)
	if err != nil {
		return nil, err
	}
	return ref.AsHandle(), nil
}
