package registry

import (
	"context"
	"fmt"
)

// registerBuiltins installs the core transform actions every deployment
// gets. Integration-specific actions are registered by the embedding
// application.
func registerBuiltins(r *Registry) {
	// core.transform.reshape returns its "value" argument after template
	// rendering; the workhorse for massaging results between actions.
	_ = r.Register("core.transform.reshape", func(_ context.Context, args map[string]any) (any, error) {
		value, ok := args["value"]
		if !ok {
			return nil, fmt.Errorf("core.transform.reshape requires a value argument")
		}
		return value, nil
	})
	// core.noop anchors workflows that need a pure synchronization point.
	_ = r.Register("core.noop", func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
}
