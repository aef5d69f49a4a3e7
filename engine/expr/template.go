package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)

// HasTemplate reports whether the value contains a templated expression.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${{")
}

// isFullTemplate reports whether the whole string is a single expression, in
// which case rendering preserves the evaluated type instead of stringifying.
func isFullTemplate(s string) bool {
	trimmed := strings.TrimSpace(s)
	loc := templatePattern.FindStringIndex(trimmed)
	return loc != nil && loc[0] == 0 && loc[1] == len(trimmed)
}

// ExtractExpression returns the inner expression of a full template string.
func ExtractExpression(s string) (string, bool) {
	if !isFullTemplate(s) {
		return "", false
	}
	match := templatePattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return "", false
	}
	return match[1], true
}

// Render resolves every `${{ ... }}` expression inside the value against
// data. Maps and slices are walked recursively; a string that is exactly one
// expression keeps its evaluated type, while embedded expressions are
// interpolated into the surrounding string.
func (e *Evaluator) Render(ctx context.Context, value any, data map[string]any) (any, error) {
	return e.RenderPartial(ctx, value, data, nil)
}

// RenderPartial renders like Render but leaves any expression for which
// skip returns true untouched. The scheduler uses this to defer SECRETS
// expressions to the activity executor so secret values never enter
// workflow history.
func (e *Evaluator) RenderPartial(
	ctx context.Context,
	value any,
	data map[string]any,
	skip func(expression string) bool,
) (any, error) {
	switch v := value.(type) {
	case string:
		return e.renderString(ctx, v, data, skip)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := e.RenderPartial(ctx, item, data, skip)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := e.RenderPartial(ctx, item, data, skip)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *Evaluator) renderString(
	ctx context.Context,
	s string,
	data map[string]any,
	skip func(expression string) bool,
) (any, error) {
	if !HasTemplate(s) {
		return s, nil
	}
	if expression, ok := ExtractExpression(s); ok {
		if skip != nil && skip(expression) {
			return s, nil
		}
		return e.Evaluate(ctx, expression, data)
	}
	var renderErr error
	rendered := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := templatePattern.FindStringSubmatch(match)
		if skip != nil && skip(sub[1]) {
			return match
		}
		result, err := e.Evaluate(ctx, sub[1], data)
		if err != nil {
			renderErr = err
			return match
		}
		return fmt.Sprintf("%v", result)
	})
	if renderErr != nil {
		return nil, renderErr
	}
	return rendered, nil
}

// ReferencesSecrets reports whether the expression reads from SECRETS.
func ReferencesSecrets(expression string) bool {
	return strings.Contains(expression, VarSecrets)
}

// CollectRefs returns the action refs referenced by ACTIONS lookups inside
// the value. Used by static validation to check scope legality of expression
// references.
func CollectRefs(value any) []string {
	seen := map[string]struct{}{}
	collectRefs(value, seen)
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	return refs
}

var actionsRefPattern = regexp.MustCompile(`ACTIONS\s*(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[\s*['"]([^'"]+)['"]\s*\])`)

func collectRefs(value any, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, match := range actionsRefPattern.FindAllStringSubmatch(v, -1) {
			if match[1] != "" {
				seen[match[1]] = struct{}{}
			} else if match[2] != "" {
				seen[match[2]] = struct{}{}
			}
		}
	case map[string]any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	}
}
