package expr

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Well-known names available to workflow expressions.
const (
	VarActions = "ACTIONS"
	VarTrigger = "TRIGGER"
	VarSecrets = "SECRETS"
	VarInputs  = "INPUTS"
	VarEnv     = "ENV"
	VarItem    = "item"

	// Template-local scope, only populated while expanding template
	// actions inside the executor.
	VarSteps          = "steps"
	VarTemplateInputs = "inputs"
)

const (
	defaultCostLimit  = 1000
	cacheNumCounters  = 10_000
	cacheMaxCost      = 1_000_000
	cacheBufferItems  = 64
	compiledEntryCost = 100
)

// Evaluator compiles and evaluates CEL expressions against the execution
// context. Compiled programs are cached since the same run_if and loop
// conditions are evaluated on every iteration.
type Evaluator struct {
	env          *cel.Env
	costLimit    uint64
	programCache programCache
}

type Option func(*Evaluator)

// WithCostLimit overrides the per-evaluation CEL cost limit.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) {
		e.costLimit = limit
	}
}

// WithSyncCache replaces the default ristretto program cache with a plain
// locked map. Required inside Temporal workflow code, where background
// goroutines are forbidden.
func WithSyncCache() Option {
	return func(e *Evaluator) {
		e.programCache = newMapCache()
	}
}

func NewEvaluator(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarActions, cel.DynType),
		cel.Variable(VarTrigger, cel.DynType),
		cel.Variable(VarSecrets, cel.DynType),
		cel.Variable(VarInputs, cel.DynType),
		cel.Variable(VarEnv, cel.DynType),
		cel.Variable(VarItem, cel.DynType),
		cel.Variable(VarSteps, cel.DynType),
		cel.Variable(VarTemplateInputs, cel.DynType),
		// Results round-trip through JSON, so numbers arrive as doubles
		// while conditions are usually written with integer literals.
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	evaluator := &Evaluator{
		env:       env,
		costLimit: defaultCostLimit,
	}
	for _, opt := range opts {
		opt(evaluator)
	}
	if evaluator.programCache == nil {
		cache, err := newRistrettoCache()
		if err != nil {
			return nil, err
		}
		evaluator.programCache = cache
	}
	return evaluator, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if prog, ok := e.programCache.Get(expression); ok {
		return prog, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expression, err)
	}
	e.programCache.Set(expression, prog)
	return prog, nil
}

// Evaluate runs the expression against data and returns a native Go value.
func (e *Evaluator) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prog, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prog.Eval(withDeclaredVars(data))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return nativeValue(out), nil
}

// EvaluateBool runs a condition expression and requires a boolean result.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	result, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean (got %T)", expression, result)
	}
	return b, nil
}

// EvaluateList runs a for_each/scatter collection expression and requires an
// iterable result.
func (e *Evaluator) EvaluateList(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	result, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	items, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("expression %q did not evaluate to a list (got %T)", expression, result)
	}
	return items, nil
}

// withDeclaredVars guarantees every declared variable is present so that
// references to absent sections fail with a CEL lookup error instead of a
// missing-activation panic.
func withDeclaredVars(data map[string]any) map[string]any {
	activation := map[string]any{
		VarActions:        map[string]any{},
		VarTrigger:        map[string]any{},
		VarSecrets:        map[string]any{},
		VarInputs:         map[string]any{},
		VarEnv:            map[string]any{},
		VarItem:           nil,
		VarSteps:          map[string]any{},
		VarTemplateInputs: map[string]any{},
	}
	for k, v := range data {
		activation[k] = v
	}
	return activation
}

// nativeValue converts a CEL result into plain Go values.
func nativeValue(val ref.Val) any {
	switch v := val.(type) {
	case traits.Lister:
		out := []any{}
		iter := v.Iterator()
		for iter.HasNext() == types.True {
			out = append(out, nativeValue(iter.Next()))
		}
		return out
	case traits.Mapper:
		out := map[string]any{}
		iter := v.Iterator()
		for iter.HasNext() == types.True {
			key := iter.Next()
			entry, found := v.Find(key)
			if !found {
				continue
			}
			out[fmt.Sprintf("%v", nativeValue(key))] = nativeValue(entry)
		}
		return out
	default:
		return val.Value()
	}
}
