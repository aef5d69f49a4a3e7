package scheduler

import (
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
)

// executeLoop runs a do-while region: the body always executes at least
// once, then the loop.end condition decides whether another iteration
// starts. Iterations are strictly sequential and share the enclosing
// execution context, so each iteration sees (and overwrites) the previous
// one's results in program order.
func (m *machine) executeLoop(ctx workflow.Context, run *scopeRun, opener *dsl.ActionStatement) error {
	scope := m.graph.Scopes.ScopeOf(opener.Ref)
	closerRef := m.graph.Scopes.CloserOf(scope)
	closer := m.graph.Nodes[closerRef].Statement
	maxIterations := closer.ArgInt("max_iterations", m.workflowMaxIterations())
	members := m.scopeBody(scope, closerRef)
	iteration := 0
	for {
		run.ec.Record(opener.Ref, map[string]any{"iteration": iteration})
		iterRun := newScopeRun(run.ec)
		iterRun.states[opener.Ref] = core.StatusSucceeded
		if err := m.runNodes(ctx, iterRun, members); err != nil {
			return err
		}
		if failure := m.unabsorbedFailure(iterRun, members); failure != nil {
			run.states[opener.Ref] = core.StatusSucceeded
			m.failNode(run, closer, failure)
			return nil
		}
		again, condErr := m.loopContinues(closer, run.ec.ExprData())
		if condErr != nil {
			run.states[opener.Ref] = core.StatusSucceeded
			m.failNode(run, closer, condErr)
			return nil
		}
		if !again {
			break
		}
		iteration++
		if maxIterations > 0 && iteration > maxIterations {
			return fatalError(
				ErrTypeMaxIterations,
				"loop %q exceeded max_iterations=%d", opener.Ref, maxIterations,
			)
		}
	}
	run.states[opener.Ref] = core.StatusSucceeded
	run.ec.Record(closerRef, map[string]any{"iterations": iteration + 1})
	run.states[closerRef] = core.StatusSucceeded
	return nil
}

// loopContinues evaluates the loop.end condition against the state the
// iteration just wrote. An absent condition means a single pass.
func (m *machine) loopContinues(closer *dsl.ActionStatement, data map[string]any) (bool, *core.Error) {
	condition := closer.ArgString("condition")
	if condition == "" {
		return false, nil
	}
	again, err := m.evalCondition(condition, data)
	if err != nil {
		return false, core.NewError(err, "loop_condition_failed", nil).WithRef(closer.Ref)
	}
	return again, nil
}

func (m *machine) workflowMaxIterations() int {
	if cfg := m.graph.Workflow.Config; cfg != nil && cfg.MaxIterations > 0 {
		return cfg.MaxIterations
	}
	return m.input.Defaults.MaxIterations
}
