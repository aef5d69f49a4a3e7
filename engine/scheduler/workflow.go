package scheduler

import (
	"time"

	"dario.cat/mergo"
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/execution"
	"github.com/sentinelflow/sentinelflow/engine/expr"
)

// WorkflowLabel is the registered name of the DSL interpreter workflow.
const WorkflowLabel = "DSLWorkflow"

// DSLWorkflow is the single Temporal workflow that interprets every
// definition: it validates the graph, acquires the org's workflow permit,
// drives the root scope frontier and evaluates the returns expression.
func DSLWorkflow(ctx workflow.Context, input *TriggerInput) (*Result, error) {
	input.normalize()
	log := workflow.GetLogger(ctx)
	graph, err := dsl.BuildGraph(input.Workflow)
	if err != nil {
		return nil, fatalError(ErrTypeValidation, "workflow definition rejected: %s", err.Error())
	}
	eval, err := expr.NewEvaluator(expr.WithSyncCache())
	if err != nil {
		return nil, fatalError(ErrTypeWorkflowInternal, "expression engine init failed: %s", err.Error())
	}
	inputs, err := mergeInputs(input.Workflow.Inputs, input.TriggerInputs)
	if err != nil {
		return nil, fatalError(ErrTypeWorkflowInternal, "input merge failed: %s", err.Error())
	}
	m := newMachine(graph, eval, input)
	holder := input.WorkflowExecID.String()
	release, err := m.acquirePermit(ctx, core.ResourceWorkflow, input.Limits.WorkflowConcurrency, holder)
	if err != nil {
		return nil, err
	}
	defer release()
	stopHeartbeat := m.startHeartbeat(ctx, core.ResourceWorkflow, holder)
	defer stopHeartbeat()
	log.Info("Workflow admitted",
		"workflow_exec_id", input.WorkflowExecID,
		"org_id", input.OrgID,
		"actions", len(input.Workflow.Actions),
	)
	ec := execution.NewContext(input.TriggerInputs, inputs, nil)
	rootRun := newScopeRun(ec)
	members := graph.DirectMembers(dsl.RootScope)
	if err := m.runNodes(ctx, rootRun, members); err != nil {
		return nil, err
	}
	if failure := m.unabsorbedFailure(rootRun, members); failure != nil {
		return nil, failureError(failure)
	}
	returns, err := m.evaluateReturns(graph.Workflow.Returns, ec)
	if err != nil {
		return nil, err
	}
	return &Result{
		WorkflowExecID: input.WorkflowExecID,
		Returns:        returns,
		Context:        ec.Snapshot(),
	}, nil
}

// evaluateReturns renders the workflow's returns declaration against the
// final execution state.
func (m *machine) evaluateReturns(returns any, ec *execution.Context) (any, error) {
	if returns == nil {
		return nil, nil
	}
	rendered, err := m.eval.Render(evalContext(), returns, ec.ExprData())
	if err != nil {
		return nil, failureError(core.NewError(err, "returns_evaluation_failed", nil))
	}
	return rendered, nil
}

// mergeInputs layers trigger-supplied inputs over the definition's declared
// defaults.
func mergeInputs(defaults, supplied core.Input) (core.Input, error) {
	merged := core.Input{}
	for k, v := range supplied {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, defaults); err != nil {
		return nil, err
	}
	return merged, nil
}

// normalize fills the polling and fallback knobs that must never be zero
// inside the workflow.
func (in *TriggerInput) normalize() {
	if in.Limits.BackoffBase <= 0 {
		in.Limits.BackoffBase = 250 * time.Millisecond
	}
	if in.Limits.BackoffMax <= 0 {
		in.Limits.BackoffMax = 10 * time.Second
	}
	if in.Limits.HeartbeatInterval < 0 {
		in.Limits.HeartbeatInterval = 0
	}
	if in.Defaults.MaxIterations <= 0 {
		in.Defaults.MaxIterations = 100
	}
	if in.Defaults.ActionTimeout <= 0 {
		in.Defaults.ActionTimeout = 5 * time.Minute
	}
	if in.Defaults.DefaultRetryAttempts <= 0 {
		in.Defaults.DefaultRetryAttempts = 3
	}
}
