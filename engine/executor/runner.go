package executor

import (
	"context"
	"fmt"

	"github.com/sentinelflow/sentinelflow/engine/blob"
	"github.com/sentinelflow/sentinelflow/engine/expr"
	"github.com/sentinelflow/sentinelflow/engine/registry"
	"github.com/sentinelflow/sentinelflow/engine/secrets"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// Runner executes exactly one action: it marshals arguments in, dispatches
// to the registered function or template, and masks known secret values in
// the result before it flows back into the execution context. All side
// effects live in the registered action code.
type Runner struct {
	registry *registry.Registry
	secrets  secrets.Provider
	blobs    blob.Store
	eval     *expr.Evaluator
}

func NewRunner(
	reg *registry.Registry,
	provider secrets.Provider,
	blobs blob.Store,
	eval *expr.Evaluator,
) *Runner {
	return &Runner{registry: reg, secrets: provider, blobs: blobs, eval: eval}
}

// RunInput carries the resolved dispatch request for one action instance.
// Args arrive with all non-secret expressions already rendered by the
// scheduler; SECRETS expressions are resolved here so secret values never
// enter workflow history.
type RunInput struct {
	Ref    string         `json:"ref"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

func (r *Runner) Run(ctx context.Context, input *RunInput) (any, error) {
	log := logger.FromContext(ctx).With("action", input.Action, "ref", input.Ref)
	bound, err := r.registry.Load(input.Action)
	if err != nil {
		return nil, err
	}
	args, resolved, err := r.prepareArgs(ctx, input.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare arguments for %q: %w", input.Ref, err)
	}
	var result any
	switch bound.Kind {
	case registry.KindFunction:
		result, err = bound.Func(ctx, args)
	case registry.KindTemplate:
		result, err = r.runTemplate(ctx, bound.Template, args)
	default:
		return nil, fmt.Errorf("unsupported action kind %q for %q", bound.Kind, input.Action)
	}
	if err != nil {
		log.Warn("Action execution failed", "error", err)
		return nil, err
	}
	return secrets.Mask(result, resolved), nil
}

// prepareArgs resolves blob handles, fetches referenced secrets and renders
// the remaining SECRETS expressions.
func (r *Runner) prepareArgs(
	ctx context.Context,
	raw map[string]any,
) (map[string]any, map[string]string, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	inflated, err := r.resolveHandles(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	names := secrets.CollectNames(inflated)
	resolved := map[string]string{}
	if len(names) > 0 {
		if r.secrets == nil {
			return nil, nil, fmt.Errorf("no secrets provider configured but %d secrets referenced", len(names))
		}
		resolved, err = r.secrets.Resolve(ctx, names)
		if err != nil {
			return nil, nil, err
		}
	}
	secretsData := make(map[string]any, len(resolved))
	for name, value := range resolved {
		secretsData[name] = value
	}
	rendered, err := r.eval.Render(ctx, inflated, map[string]any{expr.VarSecrets: secretsData})
	if err != nil {
		return nil, nil, err
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("rendered arguments are not a map (got %T)", rendered)
	}
	return args, resolved, nil
}

// resolveHandles swaps blob references for their stored payloads. This is
// the lazy-read point for reference-backed collections.
func (r *Runner) resolveHandles(ctx context.Context, value any) (any, error) {
	if ref, ok := blob.RefFromHandle(value); ok {
		if r.blobs == nil {
			return nil, fmt.Errorf("blob reference present but no blob store configured")
		}
		return r.blobs.Get(ctx, ref)
	}
	if manifest, ok := blob.ManifestFromHandle(value); ok {
		if r.blobs == nil {
			return nil, fmt.Errorf("blob manifest present but no blob store configured")
		}
		return r.blobs.GetAll(ctx, manifest)
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := r.resolveHandles(ctx, item)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveHandles(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// runTemplate executes a template's steps sequentially. Each step result is
// exposed to later steps under `steps.<ref>.result` in a local sub-context;
// recursion depth is bounded by template length, not graph depth.
func (r *Runner) runTemplate(
	ctx context.Context,
	tpl *registry.Template,
	args map[string]any,
) (any, error) {
	stepResults := map[string]any{}
	scope := map[string]any{
		expr.VarTemplateInputs: args,
		expr.VarSteps:          stepResults,
	}
	var lastResult any
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		bound, err := r.registry.Load(step.Action)
		if err != nil {
			return nil, fmt.Errorf("template %q step %q: %w", tpl.Name, step.Ref, err)
		}
		if bound.Kind != registry.KindFunction {
			return nil, fmt.Errorf(
				"template %q step %q: nested templates are not supported", tpl.Name, step.Ref,
			)
		}
		renderedStep, err := r.renderTemplateValue(ctx, step.Args, scope)
		if err != nil {
			return nil, fmt.Errorf("template %q step %q: %w", tpl.Name, step.Ref, err)
		}
		stepArgs, _ := renderedStep.(map[string]any)
		if stepArgs == nil {
			stepArgs = map[string]any{}
		}
		result, err := bound.Func(ctx, stepArgs)
		if err != nil {
			return nil, fmt.Errorf("template %q step %q failed: %w", tpl.Name, step.Ref, err)
		}
		stepResults[step.Ref] = map[string]any{"result": result}
		lastResult = result
	}
	if tpl.Returns == nil {
		return lastResult, nil
	}
	return r.renderTemplateValue(ctx, tpl.Returns, scope)
}

// renderTemplateValue renders template-local expressions (`inputs`,
// `steps`) using a dedicated evaluator scope.
func (r *Runner) renderTemplateValue(ctx context.Context, value any, scope map[string]any) (any, error) {
	return r.eval.Render(ctx, value, scope)
}
