package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/admission"
	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/expr"
	"github.com/sentinelflow/sentinelflow/engine/scheduler/activities"
)

// evalContext is the context handed to CEL evaluation from inside workflow
// code. Evaluation is synchronous and deterministic, so a plain background
// context is safe here.
func evalContext() context.Context {
	return context.Background()
}

// executeAction runs one regular (non-structural) node: optional start
// delay, for_each fan-out or a single dispatch, then result recording.
func (m *machine) executeAction(ctx workflow.Context, run *scopeRun, stmt *dsl.ActionStatement) error {
	delay, err := stmt.GetStartDelay()
	if err != nil {
		m.failNode(run, stmt, core.NewError(err, "invalid_start_delay", nil).WithRef(stmt.Ref))
		return nil
	}
	if delay > 0 {
		if err := workflow.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	data := run.ec.ExprData()
	if stmt.ForEach != "" {
		return m.executeFanOut(ctx, run, stmt, data)
	}
	result, execErr, fatal := m.dispatchOne(ctx, stmt, data)
	if fatal != nil {
		return fatal
	}
	if execErr != nil {
		m.failNode(run, stmt, execErr)
		return nil
	}
	run.ec.Record(stmt.Ref, result)
	run.states[stmt.Ref] = core.StatusSucceeded
	return nil
}

// executeFanOut dispatches one instance per collection item concurrently and
// records the ordered result list. Any item failure fails the node with the
// first error in item order preserved as-is.
func (m *machine) executeFanOut(
	ctx workflow.Context,
	run *scopeRun,
	stmt *dsl.ActionStatement,
	data map[string]any,
) error {
	expression, ok := expr.ExtractExpression(stmt.ForEach)
	if !ok {
		expression = stmt.ForEach
	}
	items, err := m.eval.EvaluateList(evalContext(), expression, data)
	if err != nil {
		m.failNode(run, stmt, core.NewError(err, "for_each_evaluation_failed", nil).WithRef(stmt.Ref))
		return nil
	}
	if len(items) == 0 {
		run.ec.Record(stmt.Ref, []any{})
		run.states[stmt.Ref] = core.StatusSucceeded
		return nil
	}
	results := make([]any, len(items))
	var completed int
	var itemErr *core.Error
	var fatal error
	for i := range items {
		idx := i
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer func() { completed++ }()
			result, execErr, f := m.dispatchOne(gctx, stmt, withItem(data, items[idx]))
			switch {
			case f != nil:
				if fatal == nil {
					fatal = f
				}
			case execErr != nil:
				if itemErr == nil {
					itemErr = execErr
				}
			default:
				results[idx] = result
			}
		})
	}
	err = workflow.Await(ctx, func() bool {
		return completed == len(items) || fatal != nil
	})
	if err != nil {
		return err
	}
	if fatal != nil {
		return fatal
	}
	if itemErr != nil {
		m.failNode(run, stmt, itemErr)
		return nil
	}
	run.ec.Record(stmt.Ref, results)
	run.states[stmt.Ref] = core.StatusSucceeded
	return nil
}

// dispatchOne performs a single logical action execution: budget accounting,
// argument rendering (secrets deferred), permit acquisition, the RunAction
// activity and the optional retry_until loop. It returns the result, a node
// failure, or a fatal guard/cancellation error.
func (m *machine) dispatchOne(
	ctx workflow.Context,
	stmt *dsl.ActionStatement,
	data map[string]any,
) (any, *core.Error, error) {
	if err := m.budget.Consume(); err != nil {
		return nil, nil, budgetError(err)
	}
	if fixture, ok := m.fixtures[stmt.Ref]; ok {
		if fixture.Failure != "" {
			return nil, core.NewError(errors.New(fixture.Failure), "fixture_failure", nil).WithRef(stmt.Ref), nil
		}
		return fixture.Success, nil, nil
	}
	args, renderErr := m.renderArgs(stmt, data)
	if renderErr != nil {
		return nil, renderErr, nil
	}
	holder := fmt.Sprintf("%s:%d", m.input.WorkflowExecID, m.nextHolder())
	release, err := m.acquirePermit(ctx, core.ResourceAction, m.input.Limits.ActionConcurrency, holder)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	return m.runAttempts(ctx, stmt, data, args)
}

// runAttempts executes the RunAction activity and, when retry_until is set,
// re-dispatches until the predicate holds or attempts run out. The permit is
// held across the whole attempt loop; every attempt consumes budget.
func (m *machine) runAttempts(
	ctx workflow.Context,
	stmt *dsl.ActionStatement,
	data map[string]any,
	args map[string]any,
) (any, *core.Error, error) {
	actx := workflow.WithActivityOptions(ctx, m.actionActivityOptions(stmt))
	input := &activities.RunActionInput{
		OrgID:          m.input.OrgID,
		WorkflowExecID: m.input.WorkflowExecID,
		Ref:            stmt.Ref,
		Action:         stmt.Action,
		Args:           args,
	}
	retryUntil := ""
	maxAttempts := m.input.Defaults.DefaultRetryAttempts
	if stmt.RetryPolicy != nil {
		retryUntil = stmt.RetryPolicy.RetryUntil
		if stmt.RetryPolicy.MaxAttempts > 0 {
			maxAttempts = stmt.RetryPolicy.MaxAttempts
		}
	}
	for attempt := 1; ; attempt++ {
		var out activities.RunActionOutput
		if err := workflow.ExecuteActivity(actx, activities.RunActionLabel, input).Get(actx, &out); err != nil {
			if temporal.IsCanceledError(err) {
				return nil, nil, err
			}
			cause := core.RootCause(err)
			return nil, core.NewError(cause, "action_execution_failed", map[string]any{
				"attempt": attempt,
			}).WithRef(stmt.Ref), nil
		}
		if retryUntil == "" {
			return out.Result, nil, nil
		}
		met, err := m.evalCondition(retryUntil, withAttemptResult(data, stmt.Ref, out.Result))
		if err != nil {
			return nil, core.NewError(err, "retry_until_evaluation_failed", nil).WithRef(stmt.Ref), nil
		}
		if met {
			return out.Result, nil, nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, core.NewError(
				fmt.Errorf("retry_until condition not met after %d attempts", attempt),
				"retry_until_exhausted", nil,
			).WithRef(stmt.Ref), nil
		}
		if err := m.budget.Consume(); err != nil {
			return nil, nil, budgetError(err)
		}
		if err := workflow.Sleep(ctx, m.retryInterval(stmt, attempt)); err != nil {
			return nil, nil, err
		}
	}
}

// renderArgs resolves templated arguments against the execution context.
// SECRETS expressions stay unrendered; the activity executor resolves them
// so secret values never enter workflow history.
func (m *machine) renderArgs(stmt *dsl.ActionStatement, data map[string]any) (map[string]any, *core.Error) {
	if stmt.Args == nil {
		return nil, nil
	}
	rendered, err := m.eval.RenderPartial(evalContext(), stmt.Args, data, expr.ReferencesSecrets)
	if err != nil {
		return nil, core.NewError(err, "argument_rendering_failed", nil).WithRef(stmt.Ref)
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		return nil, core.NewError(
			fmt.Errorf("rendered arguments are %T, expected a map", rendered),
			"argument_rendering_failed", nil,
		).WithRef(stmt.Ref)
	}
	return args, nil
}

// withAttemptResult exposes the attempt's own result to the retry_until
// predicate under the node's ACTIONS entry.
func withAttemptResult(data map[string]any, ref string, result any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	actions := map[string]any{}
	if prev, ok := out[expr.VarActions].(map[string]any); ok {
		for k, v := range prev {
			actions[k] = v
		}
	}
	actions[ref] = map[string]any{
		"result": result,
		"status": core.StatusSucceeded.String(),
	}
	out[expr.VarActions] = actions
	return out
}

func (m *machine) retryInterval(stmt *dsl.ActionStatement, attempt int) time.Duration {
	interval := m.input.Limits.BackoffBase
	if stmt.RetryPolicy != nil {
		if d, err := core.ParseHumanDuration(stmt.RetryPolicy.InitialInterval); err == nil && d > 0 {
			interval = d
		}
	}
	if interval <= 0 {
		interval = time.Second
	}
	for i := 1; i < attempt; i++ {
		interval *= 2
		if m.input.Limits.BackoffMax > 0 && interval >= m.input.Limits.BackoffMax {
			return m.input.Limits.BackoffMax
		}
	}
	return interval
}

func (m *machine) actionActivityOptions(stmt *dsl.ActionStatement) workflow.ActivityOptions {
	timeout := m.input.Defaults.ActionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	policy := &temporal.RetryPolicy{MaximumAttempts: 1}
	if m.input.Defaults.DefaultRetryAttempts > 0 {
		policy.MaximumAttempts = int32(m.input.Defaults.DefaultRetryAttempts)
	}
	if p := stmt.RetryPolicy; p != nil {
		if p.MaxAttempts > 0 {
			policy.MaximumAttempts = int32(p.MaxAttempts)
		}
		if d, err := core.ParseHumanDuration(p.InitialInterval); err == nil && d > 0 {
			policy.InitialInterval = d
		}
		if p.BackoffCoefficient > 0 {
			policy.BackoffCoefficient = p.BackoffCoefficient
		}
		if d, err := core.ParseHumanDuration(p.MaxInterval); err == nil && d > 0 {
			policy.MaximumInterval = d
		}
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         policy,
	}
}

func budgetError(err error) error {
	var exceeded *admission.ErrBudgetExceeded
	if errors.As(err, &exceeded) {
		return fatalError(ErrTypeExecutionLimit, "%s", exceeded.Error())
	}
	return err
}
