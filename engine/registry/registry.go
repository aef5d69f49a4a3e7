package registry

import (
	"context"
	"fmt"
	"sync"
)

// Func is a directly registered action implementation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Kind distinguishes the two execution strategies the executor knows:
// direct function invocation and template expansion. The set is closed on
// purpose; dispatch goes through an explicit lookup table, not reflection.
type Kind string

const (
	KindFunction Kind = "function"
	KindTemplate Kind = "template"
)

// TemplateStep is one call inside a template action. Step args may
// reference earlier step results via `${{ steps.<ref>.result }}`.
type TemplateStep struct {
	Ref    string         `json:"ref"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

// Template is an action composed of a bounded sequence of nested calls.
type Template struct {
	Name    string         `json:"name"`
	Steps   []TemplateStep `json:"steps"`
	Returns any            `json:"returns,omitempty"`
}

// BoundAction is the resolved form of an action identifier.
type BoundAction struct {
	Name     string
	Kind     Kind
	Func     Func
	Template *Template
}

// Registry maps namespaced action identifiers to their implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*BoundAction
}

func New() *Registry {
	r := &Registry{actions: map[string]*BoundAction{}}
	registerBuiltins(r)
	return r
}

// Register binds a direct callable to an action name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("action registration requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q is already registered", name)
	}
	r.actions[name] = &BoundAction{Name: name, Kind: KindFunction, Func: fn}
	return nil
}

// RegisterTemplate binds a template definition to an action name.
func (r *Registry) RegisterTemplate(tpl *Template) error {
	if tpl == nil || tpl.Name == "" {
		return fmt.Errorf("template registration requires a name")
	}
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("template %q has no steps", tpl.Name)
	}
	seen := map[string]struct{}{}
	for i := range tpl.Steps {
		if tpl.Steps[i].Ref == "" {
			return fmt.Errorf("template %q step %d has no ref", tpl.Name, i)
		}
		if _, dup := seen[tpl.Steps[i].Ref]; dup {
			return fmt.Errorf("template %q has duplicate step ref %q", tpl.Name, tpl.Steps[i].Ref)
		}
		seen[tpl.Steps[i].Ref] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[tpl.Name]; exists {
		return fmt.Errorf("action %q is already registered", tpl.Name)
	}
	r.actions[tpl.Name] = &BoundAction{Name: tpl.Name, Kind: KindTemplate, Template: tpl}
	return nil
}

// Load resolves an action identifier to its bound implementation.
func (r *Registry) Load(name string) (*BoundAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	return bound, nil
}
