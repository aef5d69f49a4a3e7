package scheduler

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/blob"
	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/scheduler/activities"
)

// executeScatter runs a scatter-gather region: one concurrent stream per
// collection item, each over a branched copy of the execution context, then
// the gather settles with the per-stream values re-imposed in collection
// order.
func (m *machine) executeScatter(ctx workflow.Context, run *scopeRun, opener *dsl.ActionStatement) error {
	scope := m.graph.Scopes.ScopeOf(opener.Ref)
	gatherRef := m.graph.Scopes.CloserOf(scope)
	gather := m.graph.Nodes[gatherRef].Statement
	items, externalized, collErr, err := m.scatterItems(ctx, opener, run.ec.ExprData())
	if err != nil {
		return err
	}
	if collErr != nil {
		m.failNode(run, opener, collErr)
		return nil
	}
	if len(items) == 0 {
		// An empty collection completes the region immediately with an
		// empty gather result.
		run.states[opener.Ref] = core.StatusSucceeded
		run.ec.Record(opener.Ref, map[string]any{"count": 0})
		run.ec.Record(gatherRef, []any{})
		run.states[gatherRef] = core.StatusSucceeded
		return nil
	}
	interval := time.Duration(opener.ArgFloat("interval", 0) * float64(time.Second))
	results := make([]any, len(items))
	var completed int
	var streamErr *core.Error
	var fatal error
	for i := range items {
		idx := i
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer func() { completed++ }()
			if interval > 0 && idx > 0 {
				if err := workflow.Sleep(gctx, time.Duration(idx)*interval); err != nil {
					if fatal == nil {
						fatal = err
					}
					return
				}
			}
			value, execErr, f := m.runStream(gctx, run, scope, opener, gather, items[idx])
			switch {
			case f != nil:
				if fatal == nil {
					fatal = f
				}
			case execErr != nil:
				if streamErr == nil {
					streamErr = execErr
				}
			default:
				results[idx] = value
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
	run.states[opener.Ref] = core.StatusSucceeded
	run.ec.Record(opener.Ref, map[string]any{"count": len(items)})
	if streamErr != nil {
		m.failNode(run, gather, streamErr)
		return nil
	}
	gathered, gatherFatal := m.settleGather(ctx, gather, results, externalized)
	if gatherFatal != nil {
		return gatherFatal
	}
	run.ec.Record(gatherRef, gathered)
	run.states[gatherRef] = core.StatusSucceeded
	return nil
}

// scatterItems resolves the scatter collection. A manifest handle is
// expanded into per-item reference handles via the blob store, so large
// collections fan out without their payloads ever entering workflow state.
func (m *machine) scatterItems(
	ctx workflow.Context,
	opener *dsl.ActionStatement,
	data map[string]any,
) (items []any, externalized bool, nodeErr *core.Error, fatal error) {
	raw, ok := opener.Args["collection"]
	if !ok {
		return nil, false, core.NewError(
			fmt.Errorf("scatter requires a collection argument"),
			"missing_collection", nil,
		).WithRef(opener.Ref), nil
	}
	rendered, err := m.eval.Render(evalContext(), raw, data)
	if err != nil {
		return nil, false, core.NewError(err, "collection_evaluation_failed", nil).WithRef(opener.Ref), nil
	}
	if manifest, ok := blob.ManifestFromHandle(rendered); ok {
		actx := workflow.WithActivityOptions(ctx, permitActivityOptions())
		var out activities.ExpandCollectionOutput
		err := workflow.ExecuteActivity(actx, activities.ExpandCollectionLabel, &activities.ExpandCollectionInput{
			Manifest: manifest,
		}).Get(actx, &out)
		if err != nil {
			return nil, false, nil, err
		}
		return out.Items, true, nil, nil
	}
	list, ok := rendered.([]any)
	if !ok {
		return nil, false, core.NewError(
			fmt.Errorf("scatter collection evaluated to %T, expected a list", rendered),
			"invalid_collection", nil,
		).WithRef(opener.Ref), nil
	}
	return list, false, nil, nil
}

// runStream executes one scatter stream over a branched context with the
// item bound. The stream's sync value is the gather items expression
// evaluated against the stream's final state.
func (m *machine) runStream(
	ctx workflow.Context,
	parent *scopeRun,
	scope int,
	opener, gather *dsl.ActionStatement,
	item any,
) (any, *core.Error, error) {
	ec, err := parent.ec.Branch(item)
	if err != nil {
		return nil, core.NewError(err, "stream_branch_failed", nil).WithRef(opener.Ref), nil
	}
	// The scatter's own ref exposes the stream's item inside the scope.
	ec.Record(opener.Ref, item)
	run := newScopeRun(ec)
	run.states[opener.Ref] = core.StatusSucceeded
	members := m.scopeBody(scope, gather.Ref)
	if err := m.runNodes(ctx, run, members); err != nil {
		return nil, nil, err
	}
	if failure := m.unabsorbedFailure(run, members); failure != nil {
		return nil, failure, nil
	}
	return m.streamValue(gather, run)
}

// streamValue computes what one stream contributes to the gathered
// collection: the gather's items expression when present, otherwise the
// result of its dependency (or a map of results for multiple dependencies).
func (m *machine) streamValue(gather *dsl.ActionStatement, run *scopeRun) (any, *core.Error, error) {
	if raw, ok := gather.Args["items"]; ok {
		value, err := m.eval.Render(evalContext(), raw, run.ec.ExprData())
		if err != nil {
			return nil, core.NewError(err, "gather_evaluation_failed", nil).WithRef(gather.Ref), nil
		}
		return value, nil, nil
	}
	if len(gather.DependsOn) == 1 {
		if recorded := run.ec.Get(gather.DependsOn[0]); recorded != nil {
			return recorded.Result, nil, nil
		}
		return nil, nil, nil
	}
	value := make(map[string]any, len(gather.DependsOn))
	for _, dep := range gather.DependsOn {
		if recorded := run.ec.Get(dep); recorded != nil {
			value[dep] = recorded.Result
		}
	}
	return value, nil, nil
}

// settleGather produces the recorded gather value. When the scatter input
// was externalized (or the gather opts in via store: true), the results are
// chunked back into the blob store and only the manifest handle is kept.
func (m *machine) settleGather(
	ctx workflow.Context,
	gather *dsl.ActionStatement,
	results []any,
	externalized bool,
) (any, error) {
	store := externalized
	if v, ok := gather.Args["store"].(bool); ok {
		store = v
	}
	if !store {
		return results, nil
	}
	actx := workflow.WithActivityOptions(ctx, permitActivityOptions())
	var out activities.StoreCollectionOutput
	err := workflow.ExecuteActivity(actx, activities.StoreCollectionLabel, &activities.StoreCollectionInput{
		Items: results,
	}).Get(actx, &out)
	if err != nil {
		return nil, err
	}
	return out.Manifest.AsHandle(), nil
}
