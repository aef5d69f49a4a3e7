package execution

import (
	"fmt"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/expr"
)

// ActionResult is the recorded outcome of one logical action instance. For
// scattered or looped actions the entry for a ref is overwritten in program
// order by the owning stream or iteration; it is never deleted during a run.
type ActionResult struct {
	Result any             `json:"result"`
	Status core.StatusType `json:"status"`
	Error  *core.Error     `json:"error,omitempty"`
}

// Context is the per-instance ACTIONS store consulted by expression
// evaluation. It is exclusively owned by a single workflow instance; scatter
// streams receive a deep copy (Branch), never a shared reference.
type Context struct {
	Actions map[string]*ActionResult `json:"actions"`
	Trigger core.Input               `json:"trigger,omitempty"`
	Inputs  core.Input               `json:"inputs,omitempty"`
	Env     map[string]any           `json:"env,omitempty"`
	// Item is the scattered collection item bound to this stream, nil
	// outside scatter scopes.
	Item any `json:"item,omitempty"`
}

func NewContext(trigger, inputs core.Input, env map[string]any) *Context {
	return &Context{
		Actions: map[string]*ActionResult{},
		Trigger: trigger,
		Inputs:  inputs,
		Env:     env,
	}
}

// Record writes the result of a successful execution.
func (c *Context) Record(ref string, result any) {
	c.Actions[ref] = &ActionResult{Result: result, Status: core.StatusSucceeded}
}

// RecordFailure writes a terminal failure. The result slot stays empty so
// downstream readers never observe partial output.
func (c *Context) RecordFailure(ref string, err *core.Error) {
	c.Actions[ref] = &ActionResult{Status: core.StatusFailed, Error: err}
}

// Get returns the recorded outcome for ref, or nil when the action has not
// produced one (pending or skipped).
func (c *Context) Get(ref string) *ActionResult {
	return c.Actions[ref]
}

// Branch deep-copies the context for a scatter stream and binds the stream's
// item. Concurrent streams can never observe each other's writes.
func (c *Context) Branch(item any) (*Context, error) {
	actions := make(map[string]*ActionResult, len(c.Actions))
	for ref, res := range c.Actions {
		copied, err := core.DeepCopy(res.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to branch context at %q: %w", ref, err)
		}
		actions[ref] = &ActionResult{Result: copied, Status: res.Status, Error: res.Error}
	}
	return &Context{
		Actions: actions,
		Trigger: c.Trigger,
		Inputs:  c.Inputs,
		Env:     c.Env,
		Item:    item,
	}, nil
}

// ExprData shapes the context for CEL evaluation.
func (c *Context) ExprData() map[string]any {
	actions := make(map[string]any, len(c.Actions))
	for ref, res := range c.Actions {
		entry := map[string]any{
			"result": res.Result,
			"status": res.Status.String(),
		}
		if res.Error != nil {
			entry["error"] = res.Error.Message
		}
		actions[ref] = entry
	}
	data := map[string]any{
		expr.VarActions: actions,
		expr.VarTrigger: orEmpty(c.Trigger.AsMap()),
		expr.VarInputs:  orEmpty(c.Inputs.AsMap()),
		expr.VarEnv:     orEmpty(c.Env),
	}
	if c.Item != nil {
		data[expr.VarItem] = c.Item
	}
	return data
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Snapshot returns a plain-map view of the ACTIONS store for the final
// workflow result.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.Actions))
	for ref, res := range c.Actions {
		entry := map[string]any{
			"result": res.Result,
			"status": res.Status.String(),
		}
		if res.Error != nil {
			entry["error"] = res.Error.Message
		}
		out[ref] = entry
	}
	return out
}
