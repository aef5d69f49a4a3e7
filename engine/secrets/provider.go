package secrets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Provider resolves secret names collected from an action's templated
// arguments. Implementations live outside the engine (vaults, KMS); the
// static provider below covers tests and single-node deployments.
type Provider interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

// StaticProvider serves secrets from an in-memory map.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	if values == nil {
		values = map[string]string{}
	}
	return &StaticProvider{values: values}
}

func (p *StaticProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}

func (p *StaticProvider) Resolve(_ context.Context, names []string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		value, ok := p.values[name]
		if !ok {
			return nil, fmt.Errorf("unknown secret %q", name)
		}
		resolved[name] = value
	}
	return resolved, nil
}

var secretRefPattern = regexp.MustCompile(`SECRETS\s*(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[\s*['"]([^'"]+)['"]\s*\])`)

// CollectNames returns the secret names referenced anywhere in the value.
func CollectNames(value any) []string {
	seen := map[string]struct{}{}
	collectNames(value, seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

func collectNames(value any, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, match := range secretRefPattern.FindAllStringSubmatch(v, -1) {
			if match[1] != "" {
				seen[match[1]] = struct{}{}
			} else if match[2] != "" {
				seen[match[2]] = struct{}{}
			}
		}
	case map[string]any:
		for _, item := range v {
			collectNames(item, seen)
		}
	case []any:
		for _, item := range v {
			collectNames(item, seen)
		}
	}
}

const maskedValue = "***"

// Mask replaces every occurrence of a known secret value in the result with
// a placeholder before the result flows back into the execution context.
func Mask(result any, values map[string]string) any {
	if len(values) == 0 {
		return result
	}
	switch v := result.(type) {
	case string:
		masked := v
		for _, secret := range values {
			if secret == "" {
				continue
			}
			masked = strings.ReplaceAll(masked, secret, maskedValue)
		}
		return masked
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Mask(item, values)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Mask(item, values)
		}
		return out
	default:
		return result
	}
}
