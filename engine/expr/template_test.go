package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	ctx := context.Background()
	eval := newTestEvaluator(t)
	data := map[string]any{
		VarActions: map[string]any{
			"fetch": map[string]any{"result": map[string]any{"count": 3, "tags": []any{"a", "b"}}},
		},
		VarInputs: map[string]any{"name": "triage"},
	}

	t.Run("Should keep the evaluated type for full templates", func(t *testing.T) {
		result, err := eval.Render(ctx, "${{ ACTIONS.fetch.result.count }}", data)
		require.NoError(t, err)
		assert.EqualValues(t, 3, result)
		result, err = eval.Render(ctx, "${{ ACTIONS.fetch.result.tags }}", data)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, result)
	})

	t.Run("Should interpolate embedded expressions into strings", func(t *testing.T) {
		result, err := eval.Render(ctx, "case ${{ INPUTS.name }} has ${{ ACTIONS.fetch.result.count }} hits", data)
		require.NoError(t, err)
		assert.Equal(t, "case triage has 3 hits", result)
	})

	t.Run("Should walk maps and slices recursively", func(t *testing.T) {
		value := map[string]any{
			"summary": "${{ INPUTS.name }}",
			"nested":  []any{"${{ ACTIONS.fetch.result.count }}", "plain"},
		}
		result, err := eval.Render(ctx, value, data)
		require.NoError(t, err)
		rendered := result.(map[string]any)
		assert.Equal(t, "triage", rendered["summary"])
		assert.Equal(t, []any{int64(3), "plain"}, rendered["nested"])
	})

	t.Run("Should pass non-templated values through untouched", func(t *testing.T) {
		result, err := eval.Render(ctx, 42, data)
		require.NoError(t, err)
		assert.Equal(t, 42, result)
		result, err = eval.Render(ctx, "plain string", data)
		require.NoError(t, err)
		assert.Equal(t, "plain string", result)
	})

	t.Run("Should leave skipped expressions unrendered", func(t *testing.T) {
		value := map[string]any{
			"token": "${{ SECRETS.api_key }}",
			"name":  "${{ INPUTS.name }}",
		}
		result, err := eval.RenderPartial(ctx, value, data, ReferencesSecrets)
		require.NoError(t, err)
		rendered := result.(map[string]any)
		assert.Equal(t, "${{ SECRETS.api_key }}", rendered["token"])
		assert.Equal(t, "triage", rendered["name"])
	})

	t.Run("Should surface evaluation errors from embedded expressions", func(t *testing.T) {
		_, err := eval.Render(ctx, "prefix ${{ ACTIONS.ghost.result }}", data)
		assert.Error(t, err)
	})
}

func TestTemplateHelpers(t *testing.T) {
	t.Run("Should detect full templates", func(t *testing.T) {
		expression, ok := ExtractExpression("  ${{ ACTIONS.a.result }}  ")
		assert.True(t, ok)
		assert.Equal(t, "ACTIONS.a.result", expression)
		_, ok = ExtractExpression("prefix ${{ ACTIONS.a.result }}")
		assert.False(t, ok)
	})

	t.Run("Should detect secret references", func(t *testing.T) {
		assert.True(t, ReferencesSecrets("SECRETS.api_key"))
		assert.False(t, ReferencesSecrets("ACTIONS.a.result"))
	})

	t.Run("Should collect action refs from nested values", func(t *testing.T) {
		refs := CollectRefs(map[string]any{
			"a": "${{ ACTIONS.first.result }}",
			"b": []any{`${{ ACTIONS['second-ref'].result }}`},
			"c": "no refs here",
		})
		assert.ElementsMatch(t, []string{"first", "second-ref"}, refs)
	})
}
