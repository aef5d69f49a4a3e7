package scheduler

import (
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/admission"
	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/execution"
	"github.com/sentinelflow/sentinelflow/engine/expr"
)

// machine drives one workflow instance over its validated graph. All of its
// state lives inside the workflow goroutine; coroutines spawned with
// workflow.Go share it under Temporal's cooperative scheduler, so no locking
// is needed (or allowed).
type machine struct {
	graph    *dsl.Graph
	eval     *expr.Evaluator
	input    *TriggerInput
	budget   *admission.Budget
	fixtures map[string]*dsl.TestFixture
	// seq numbers permit holders deterministically across replays.
	seq int
}

func newMachine(graph *dsl.Graph, eval *expr.Evaluator, input *TriggerInput) *machine {
	fixtures := map[string]*dsl.TestFixture{}
	for i := range graph.Workflow.Tests {
		fixtures[graph.Workflow.Tests[i].Ref] = &graph.Workflow.Tests[i]
	}
	return &machine{
		graph:    graph,
		eval:     eval,
		input:    input,
		budget:   admission.NewBudget(input.Limits.ActionExecutions),
		fixtures: fixtures,
	}
}

// scopeRun is the mutable state of one scope execution: the root region, one
// scatter stream, or one loop iteration. Streams own a branched context;
// loop iterations share their parent's.
type scopeRun struct {
	ec          *execution.Context
	states      map[string]core.StatusType
	errors      map[string]*core.Error
	completions int
	fatal       error
}

func newScopeRun(ec *execution.Context) *scopeRun {
	return &scopeRun{
		ec:     ec,
		states: map[string]core.StatusType{},
		errors: map[string]*core.Error{},
	}
}

// runNodes dispatches the given members until all are terminal. Node
// failures are recorded and propagated through join evaluation; only guard
// trips and cancellation surface as an error.
func (m *machine) runNodes(ctx workflow.Context, run *scopeRun, members []string) error {
	dispatched := map[string]bool{}
	for {
		if run.fatal != nil {
			return run.fatal
		}
		progress := false
		pending := 0
		for _, ref := range members {
			if run.states[ref].IsTerminal() {
				continue
			}
			pending++
			if dispatched[ref] {
				continue
			}
			stmt := m.graph.Nodes[ref].Statement
			decision, decided := m.joinDecision(run, stmt)
			if !decided {
				continue
			}
			progress = true
			switch decision {
			case core.StatusSkipped:
				m.setTerminal(run, stmt, core.StatusSkipped, nil)
			case core.StatusFailed:
				m.setTerminal(run, stmt, core.StatusFailed, m.upstreamError(run, stmt))
			default:
				if done := m.applyRunIf(run, stmt); done {
					continue
				}
				dispatched[ref] = true
				run.states[ref] = core.StatusDispatched
				m.spawnMember(ctx, run, stmt)
			}
		}
		if progress {
			continue
		}
		if pending == 0 {
			return nil
		}
		seen := run.completions
		err := workflow.Await(ctx, func() bool {
			return run.completions > seen || run.fatal != nil
		})
		if err != nil {
			return err
		}
	}
}

func (m *machine) spawnMember(ctx workflow.Context, run *scopeRun, stmt *dsl.ActionStatement) {
	workflow.Go(ctx, func(gctx workflow.Context) {
		defer func() { run.completions++ }()
		var err error
		switch stmt.Action {
		case dsl.ActionScatter:
			err = m.executeScatter(gctx, run, stmt)
		case dsl.ActionLoopStart:
			err = m.executeLoop(gctx, run, stmt)
		default:
			err = m.executeAction(gctx, run, stmt)
		}
		if err != nil && run.fatal == nil {
			run.fatal = err
		}
	})
}

// joinDecision computes the readiness outcome of a node from the terminal
// states of its dependencies. The second return is false while the decision
// cannot be made yet.
func (m *machine) joinDecision(run *scopeRun, stmt *dsl.ActionStatement) (core.StatusType, bool) {
	deps := stmt.DependsOn
	if len(deps) == 0 {
		return core.StatusReady, true
	}
	var succeeded, failed, terminal int
	for _, dep := range deps {
		st := run.states[dep]
		if !st.IsTerminal() {
			continue
		}
		terminal++
		switch st {
		case core.StatusSucceeded:
			succeeded++
		case core.StatusFailed:
			failed++
		}
	}
	if stmt.GetJoinStrategy() == dsl.JoinAny {
		if succeeded > 0 {
			return core.StatusReady, true
		}
		if terminal < len(deps) {
			return core.StatusPending, false
		}
		if failed > 0 {
			return core.StatusFailed, true
		}
		return core.StatusSkipped, true
	}
	if terminal < len(deps) {
		return core.StatusPending, false
	}
	if failed > 0 {
		return core.StatusFailed, true
	}
	if succeeded == 0 {
		// Every dependency was skipped; the node has nothing to act on.
		return core.StatusSkipped, true
	}
	return core.StatusReady, true
}

// applyRunIf evaluates the node's run_if gate. Returns true when the node
// reached a terminal state without dispatching.
func (m *machine) applyRunIf(run *scopeRun, stmt *dsl.ActionStatement) bool {
	if stmt.RunIf == "" {
		return false
	}
	ok, err := m.evalCondition(stmt.RunIf, run.ec.ExprData())
	if err != nil {
		m.failNode(run, stmt, core.NewError(err, "run_if_evaluation_failed", nil).WithRef(stmt.Ref))
		return true
	}
	if !ok {
		m.setTerminal(run, stmt, core.StatusSkipped, nil)
		return true
	}
	return false
}

// setTerminal marks a node terminal without execution (skip or propagated
// failure). Skipping or failing a scope opener settles its closer too, so
// dependents of the closer can join.
func (m *machine) setTerminal(run *scopeRun, stmt *dsl.ActionStatement, status core.StatusType, err *core.Error) {
	run.states[stmt.Ref] = status
	if err != nil {
		run.errors[stmt.Ref] = err
	}
	if stmt.IsScopeOpener() {
		scope := m.graph.Scopes.ScopeOf(stmt.Ref)
		closer := m.graph.Scopes.CloserOf(scope)
		run.states[closer] = status
		if err != nil {
			run.errors[closer] = err
		}
	}
}

// failNode records a failure that originated at this node.
func (m *machine) failNode(run *scopeRun, stmt *dsl.ActionStatement, err *core.Error) {
	run.ec.RecordFailure(stmt.Ref, err)
	m.setTerminal(run, stmt, core.StatusFailed, err)
}

// upstreamError returns the error carried by the first failed dependency, so
// propagated failures keep pointing at the action that actually failed.
func (m *machine) upstreamError(run *scopeRun, stmt *dsl.ActionStatement) *core.Error {
	for _, dep := range stmt.DependsOn {
		if run.states[dep] == core.StatusFailed {
			if err := run.errors[dep]; err != nil {
				return err
			}
		}
	}
	return &core.Error{Code: "upstream_failure", Message: "an upstream action failed", Ref: stmt.Ref}
}

// unabsorbedFailure returns the first failure, in member order, that no
// downstream member absorbed. A failure is absorbed when every dependent is
// inside the member set and reached a terminal state; propagated failures
// carry the originating error forward, so checking the frontier of the
// failure chain is enough.
func (m *machine) unabsorbedFailure(run *scopeRun, members []string) *core.Error {
	memberSet := make(map[string]struct{}, len(members))
	for _, ref := range members {
		memberSet[ref] = struct{}{}
	}
	for _, ref := range members {
		if run.states[ref] != core.StatusFailed {
			continue
		}
		dependents := m.graph.Nodes[ref].Dependents
		absorbed := len(dependents) > 0
		for _, dep := range dependents {
			if _, ok := memberSet[dep]; !ok {
				absorbed = false
				break
			}
			if !run.states[dep].IsTerminal() {
				absorbed = false
				break
			}
		}
		if !absorbed {
			if err := run.errors[ref]; err != nil {
				return err
			}
			return &core.Error{Code: "action_failed", Message: "action failed", Ref: ref}
		}
	}
	return nil
}

// scopeBody returns the members dispatched inside a scope, excluding its
// closer: the closer is settled by the region driver, not the frontier.
func (m *machine) scopeBody(scope int, closerRef string) []string {
	members := m.graph.DirectMembers(scope)
	body := make([]string, 0, len(members))
	for _, ref := range members {
		if ref != closerRef {
			body = append(body, ref)
		}
	}
	return body
}

// evalCondition evaluates a boolean gate that may be written either as a
// bare expression or wrapped in template delimiters.
func (m *machine) evalCondition(condition string, data map[string]any) (bool, error) {
	expression := condition
	if inner, ok := expr.ExtractExpression(condition); ok {
		expression = inner
	}
	return m.eval.EvaluateBool(evalContext(), expression, data)
}

// withItem binds a collection item into a copy of the evaluation data.
func withItem(data map[string]any, item any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[expr.VarItem] = item
	return out
}

func (m *machine) nextHolder() int {
	m.seq++
	return m.seq
}
