package dsl

// Scope resolution assigns every action to the innermost scatter or loop
// region containing it, and rejects dependency edges and expression
// references that cross region boundaries. Scopes are kept in an arena of
// records with parent indexes so the structure is trivially serializable.

type ScopeKind string

const (
	ScopeRoot    ScopeKind = "root"
	ScopeScatter ScopeKind = "scatter"
	ScopeLoop    ScopeKind = "loop"
)

// RootScope is the index of the implicit outermost scope.
const RootScope = 0

type ScopeRecord struct {
	Kind      ScopeKind `json:"kind"`
	OpenerRef string    `json:"opener_ref,omitempty"`
	CloserRef string    `json:"closer_ref,omitempty"`
	Parent    int       `json:"parent"`
}

type ScopeTable struct {
	Records []ScopeRecord  `json:"records"`
	ByRef   map[string]int `json:"by_ref"`
}

func newScopeTable() *ScopeTable {
	return &ScopeTable{
		Records: []ScopeRecord{{Kind: ScopeRoot, Parent: -1}},
		ByRef:   map[string]int{},
	}
}

func (t *ScopeTable) push(kind ScopeKind, openerRef string, parent int) int {
	t.Records = append(t.Records, ScopeRecord{
		Kind:      kind,
		OpenerRef: openerRef,
		Parent:    parent,
	})
	return len(t.Records) - 1
}

// ScopeOf returns the scope index an action belongs to. Openers belong to
// the scope they open; closers belong to the scope they close.
func (t *ScopeTable) ScopeOf(ref string) int {
	if idx, ok := t.ByRef[ref]; ok {
		return idx
	}
	return RootScope
}

// Parent returns the parent index of the given scope (-1 for root).
func (t *ScopeTable) Parent(scope int) int {
	return t.Records[scope].Parent
}

// Kind returns the kind of the given scope.
func (t *ScopeTable) Kind(scope int) ScopeKind {
	return t.Records[scope].Kind
}

// CloserOf returns the closer ref of the given scope ("" for root or an
// unclosed scope).
func (t *ScopeTable) CloserOf(scope int) string {
	return t.Records[scope].CloserRef
}

// OpenerOf returns the opener ref of the given scope ("" for root).
func (t *ScopeTable) OpenerOf(scope int) string {
	return t.Records[scope].OpenerRef
}

// PathOf returns the ordered list of opener refs from the outermost scope
// down to the action's own scope. Root-scope actions have an empty path.
func (t *ScopeTable) PathOf(ref string) []string {
	var reversed []string
	for scope := t.ScopeOf(ref); scope > RootScope; scope = t.Records[scope].Parent {
		reversed = append(reversed, t.Records[scope].OpenerRef)
	}
	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

// IsSelfOrAncestor reports whether candidate is scope itself or one of its
// ancestors.
func (t *ScopeTable) IsSelfOrAncestor(candidate, scope int) bool {
	for s := scope; s >= RootScope; s = t.Records[s].Parent {
		if s == candidate {
			return true
		}
		if s == RootScope {
			break
		}
	}
	return false
}

// exposedScope is the scope a node contributes to its dependents: a closer
// hands control back to the parent of the scope it closes, everything else
// stays in its own scope.
func (t *ScopeTable) exposedScope(stmt *ActionStatement) int {
	scope := t.ScopeOf(stmt.Ref)
	if stmt.IsScopeCloser() {
		return t.Records[scope].Parent
	}
	return scope
}

// MemberScope is the scope whose frontier dispatches the node: openers are
// dispatched from their parent scope, body nodes and closers from the scope
// they belong to.
func (t *ScopeTable) MemberScope(stmt *ActionStatement) int {
	scope := t.ScopeOf(stmt.Ref)
	if stmt.IsScopeOpener() {
		return t.Records[scope].Parent
	}
	return scope
}

// ChildScopes returns the scopes whose parent is the given scope.
func (t *ScopeTable) ChildScopes(scope int) []int {
	var children []int
	for i := range t.Records {
		if t.Records[i].Parent == scope {
			children = append(children, i)
		}
	}
	return children
}

func closerKind(action string) ScopeKind {
	switch action {
	case ActionGather:
		return ScopeScatter
	case ActionLoopEnd:
		return ScopeLoop
	default:
		return ""
	}
}

func openerKind(action string) ScopeKind {
	switch action {
	case ActionScatter:
		return ScopeScatter
	case ActionLoopStart:
		return ScopeLoop
	default:
		return ""
	}
}

// resolveScopes walks the graph in topological order, maintaining the scope
// arena, and returns a structural error on the first violation.
func resolveScopes(g *Graph) (*ScopeTable, error) {
	table := newScopeTable()
	for _, ref := range g.Order {
		stmt := g.Nodes[ref].Statement
		if err := table.resolveNode(g, stmt); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(table.Records); i++ {
		if table.Records[i].CloserRef == "" {
			return nil, newValidationError(
				RuleUnbalancedScope,
				[]string{table.Records[i].OpenerRef},
				"%s %q has no matching %s reachable in the dependency graph",
				table.Records[i].Kind, table.Records[i].OpenerRef, closerNameFor(table.Records[i].Kind),
			)
		}
	}
	if err := table.checkSynchronization(g); err != nil {
		return nil, err
	}
	return table, nil
}

func closerNameFor(kind ScopeKind) string {
	if kind == ScopeLoop {
		return ActionLoopEnd
	}
	return ActionGather
}

func (t *ScopeTable) resolveNode(g *Graph, stmt *ActionStatement) error {
	depScopes := map[int]struct{}{}
	for _, dep := range stmt.DependsOn {
		depScopes[t.exposedScope(g.Nodes[dep].Statement)] = struct{}{}
	}
	if kind := closerKind(stmt.Action); kind != "" {
		return t.resolveCloser(stmt, kind, depScopes)
	}
	scope := RootScope
	switch len(depScopes) {
	case 0:
		// entrypoint
	case 1:
		for s := range depScopes {
			scope = s
		}
	default:
		return newValidationError(
			RuleCrossScopeEdge,
			append([]string{stmt.Ref}, stmt.DependsOn...),
			"dependencies of %q originate in different scatter-gather or loop scopes", stmt.Ref,
		)
	}
	if kind := openerKind(stmt.Action); kind != "" {
		scope = t.push(kind, stmt.Ref, scope)
	}
	t.ByRef[stmt.Ref] = scope
	return nil
}

func (t *ScopeTable) resolveCloser(
	stmt *ActionStatement,
	kind ScopeKind,
	depScopes map[int]struct{},
) error {
	if len(depScopes) != 1 {
		rule := RuleCrossScopeEdge
		if kind == ScopeLoop {
			rule = RuleMultiScopeLoopEnd
		}
		return newValidationError(
			rule,
			append([]string{stmt.Ref}, stmt.DependsOn...),
			"%q must close exactly one scope but its dependencies span %d", stmt.Ref, len(depScopes),
		)
	}
	var scope int
	for s := range depScopes {
		scope = s
	}
	if scope == RootScope || t.Records[scope].Kind != kind {
		return newValidationError(
			RuleUnbalancedScope,
			[]string{stmt.Ref},
			"%q (%s) has no matching open %s scope", stmt.Ref, stmt.Action, kind,
		)
	}
	if t.Records[scope].CloserRef != "" {
		return newValidationError(
			RuleUnbalancedScope,
			[]string{stmt.Ref, t.Records[scope].CloserRef},
			"scope opened by %q is closed more than once", t.Records[scope].OpenerRef,
		)
	}
	t.Records[scope].CloserRef = stmt.Ref
	t.ByRef[stmt.Ref] = scope
	return nil
}

// checkSynchronization enforces that every branch inside a scope reconverges
// at the closer: each in-scope node must have a dependency path that
// terminates at the scope's closer. Nested regions count as branches of the
// enclosing scope, so each child scope's closer must reconverge too.
func (t *ScopeTable) checkSynchronization(g *Graph) error {
	for scope := 1; scope < len(t.Records); scope++ {
		closer := t.Records[scope].CloserRef
		reachable := map[string]struct{}{closer: {}}
		stack := []string{closer}
		for len(stack) > 0 {
			ref := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, dep := range g.Nodes[ref].Statement.DependsOn {
				if _, seen := reachable[dep]; !seen {
					reachable[dep] = struct{}{}
					stack = append(stack, dep)
				}
			}
		}
		for ref, s := range t.ByRef {
			if s != scope || ref == closer {
				continue
			}
			if _, ok := reachable[ref]; !ok {
				return newValidationError(
					RuleUnsynchronized,
					[]string{ref, closer},
					"%q does not synchronize at %q before leaving its %s scope",
					ref, closer, t.Records[scope].Kind,
				)
			}
		}
		for _, child := range t.ChildScopes(scope) {
			childCloser := t.Records[child].CloserRef
			if _, ok := reachable[childCloser]; !ok {
				return newValidationError(
					RuleUnsynchronized,
					[]string{childCloser, closer},
					"%q does not synchronize at %q before leaving its %s scope",
					childCloser, closer, t.Records[scope].Kind,
				)
			}
		}
	}
	return nil
}
