package dsl

import (
	"github.com/sentinelflow/sentinelflow/engine/expr"
)

// Node is one vertex of the validated dependency graph.
type Node struct {
	Statement  *ActionStatement
	Dependents []string
}

// Graph is the validated, scope-annotated form of a workflow the scheduler
// consumes. A Graph only exists for workflows that passed every structural
// check.
type Graph struct {
	Workflow   *Workflow
	Nodes      map[string]*Node
	Entrypoint string
	// Order is a deterministic topological order of all refs.
	Order  []string
	Scopes *ScopeTable
}

// Validate runs the full structural validation. It is equivalent to calling
// BuildGraph and discarding the graph.
func (w *Workflow) Validate() error {
	_, err := BuildGraph(w)
	return err
}

// BuildGraph validates the workflow and produces its scope-annotated graph.
// Checks run in order: unique refs, single entrypoint, known dependency
// targets, acyclicity, scope balance and boundary legality, expression
// reference legality, test fixture refs.
func BuildGraph(w *Workflow) (*Graph, error) {
	g := &Graph{Workflow: w, Nodes: map[string]*Node{}}
	if err := g.indexNodes(); err != nil {
		return nil, err
	}
	if err := g.resolveEntrypoint(); err != nil {
		return nil, err
	}
	if err := g.sortTopological(); err != nil {
		return nil, err
	}
	scopes, err := resolveScopes(g)
	if err != nil {
		return nil, err
	}
	g.Scopes = scopes
	if err := g.checkReferenceLegality(); err != nil {
		return nil, err
	}
	if err := g.checkTestFixtures(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) indexNodes() error {
	for i := range g.Workflow.Actions {
		stmt := &g.Workflow.Actions[i]
		if stmt.Ref == "" {
			return newValidationError(RuleDuplicateRef, nil, "action at index %d has an empty ref", i)
		}
		if _, exists := g.Nodes[stmt.Ref]; exists {
			return newValidationError(
				RuleDuplicateRef, []string{stmt.Ref},
				"ref %q is used by more than one action", stmt.Ref,
			)
		}
		g.Nodes[stmt.Ref] = &Node{Statement: stmt}
	}
	for i := range g.Workflow.Actions {
		stmt := &g.Workflow.Actions[i]
		for _, dep := range stmt.DependsOn {
			target, ok := g.Nodes[dep]
			if !ok {
				return newValidationError(
					RuleUnknownDependency, []string{stmt.Ref, dep},
					"%q depends on unknown action %q", stmt.Ref, dep,
				)
			}
			target.Dependents = append(target.Dependents, stmt.Ref)
		}
	}
	return nil
}

func (g *Graph) resolveEntrypoint() error {
	var entrypoints []string
	for i := range g.Workflow.Actions {
		if len(g.Workflow.Actions[i].DependsOn) == 0 {
			entrypoints = append(entrypoints, g.Workflow.Actions[i].Ref)
		}
	}
	if len(entrypoints) != 1 {
		return newValidationError(
			RuleEntrypoint, entrypoints,
			"workflow must have exactly one action without dependencies, found %d", len(entrypoints),
		)
	}
	if g.Workflow.Entrypoint != "" && g.Workflow.Entrypoint != entrypoints[0] {
		return newValidationError(
			RuleEntrypoint, []string{g.Workflow.Entrypoint, entrypoints[0]},
			"declared entrypoint %q does not match the zero-dependency action %q",
			g.Workflow.Entrypoint, entrypoints[0],
		)
	}
	g.Entrypoint = entrypoints[0]
	return nil
}

// sortTopological produces a deterministic order (Kahn's algorithm with
// definition order as tie-break) and rejects cycles.
func (g *Graph) sortTopological() error {
	indegree := map[string]int{}
	for ref, node := range g.Nodes {
		indegree[ref] = len(node.Statement.DependsOn)
	}
	var frontier []string
	for i := range g.Workflow.Actions {
		if indegree[g.Workflow.Actions[i].Ref] == 0 {
			frontier = append(frontier, g.Workflow.Actions[i].Ref)
		}
	}
	order := make([]string, 0, len(g.Nodes))
	for len(frontier) > 0 {
		ref := frontier[0]
		frontier = frontier[1:]
		order = append(order, ref)
		for _, dependent := range g.Nodes[ref].Dependents {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		var stuck []string
		for ref, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, ref)
			}
		}
		return newValidationError(
			RuleDependencyCycle, stuck,
			"dependency graph contains a cycle",
		)
	}
	g.Order = order
	return nil
}

// checkReferenceLegality validates expression references: a node may read
// results of actions in its own scope or a strict ancestor scope, and a
// loop.end condition may only read actions inside the loop scope it closes.
func (g *Graph) checkReferenceLegality() error {
	for _, ref := range g.Order {
		stmt := g.Nodes[ref].Statement
		if stmt.Action == ActionLoopEnd {
			if err := g.checkLoopCondition(stmt); err != nil {
				return err
			}
			// The rest of its expressions follow the ordinary rules.
		}
		scope := g.Scopes.ScopeOf(ref)
		for _, target := range g.expressionRefs(stmt) {
			targetNode, ok := g.Nodes[target]
			if !ok {
				return newValidationError(
					RuleUnknownDependency, []string{ref, target},
					"%q references unknown action %q in an expression", ref, target,
				)
			}
			targetScope := g.Scopes.exposedScope(targetNode.Statement)
			if !g.Scopes.IsSelfOrAncestor(targetScope, scope) {
				return newValidationError(
					RuleUpwardReference, []string{ref, target},
					"%q references %q, which is in a different scatter-gather scope", ref, target,
				)
			}
		}
	}
	return nil
}

// checkLoopCondition enforces the stricter loop.end discipline: the
// condition is evaluated at the iteration boundary and must not observe
// state outside the loop scope it closes.
func (g *Graph) checkLoopCondition(stmt *ActionStatement) error {
	scope := g.Scopes.ScopeOf(stmt.Ref)
	condition := stmt.ArgString("condition")
	for _, target := range expr.CollectRefs(condition) {
		targetNode, ok := g.Nodes[target]
		if !ok {
			return newValidationError(
				RuleUnknownDependency, []string{stmt.Ref, target},
				"%q condition references unknown action %q", stmt.Ref, target,
			)
		}
		if g.Scopes.exposedScope(targetNode.Statement) != scope {
			return newValidationError(
				RuleLoopCondition, []string{stmt.Ref, target},
				"%q condition may only reference actions inside the loop it closes, but %q is outside",
				stmt.Ref, target,
			)
		}
	}
	return nil
}

// expressionRefs collects every action ref read by the node's expressions.
func (g *Graph) expressionRefs(stmt *ActionStatement) []string {
	values := []any{stmt.RunIf, stmt.ForEach, stmt.Args}
	if stmt.RetryPolicy != nil {
		values = append(values, stmt.RetryPolicy.RetryUntil)
	}
	return expr.CollectRefs(values)
}

func (g *Graph) checkTestFixtures() error {
	for i := range g.Workflow.Tests {
		fixture := &g.Workflow.Tests[i]
		if _, ok := g.Nodes[fixture.Ref]; !ok {
			return newValidationError(
				RuleUnknownTestFixture, []string{fixture.Ref},
				"test fixture targets unknown action %q", fixture.Ref,
			)
		}
	}
	return nil
}

// DirectMembers returns, in topological order, the refs dispatched from the
// given scope's frontier: body nodes, closers and nested-scope openers, but
// not nested body nodes.
func (g *Graph) DirectMembers(scope int) []string {
	var members []string
	for _, ref := range g.Order {
		if g.Scopes.MemberScope(g.Nodes[ref].Statement) == scope {
			members = append(members, ref)
		}
	}
	return members
}
