package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/admission"
	"github.com/sentinelflow/sentinelflow/engine/blob"
	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/executor"
	"github.com/sentinelflow/sentinelflow/engine/expr"
	"github.com/sentinelflow/sentinelflow/engine/registry"
	"github.com/sentinelflow/sentinelflow/engine/scheduler/activities"
	"github.com/sentinelflow/sentinelflow/engine/secrets"
)

type harness struct {
	env       *testsuite.TestWorkflowEnvironment
	registry  *registry.Registry
	semaphore *admission.Semaphore
	blobs     blob.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := registry.New()
	eval, err := expr.NewEvaluator()
	require.NoError(t, err)
	semaphore := admission.NewSemaphore(client, time.Minute)
	blobs := blob.NewRedisStore(client, &blob.Config{ChunkSize: 2})
	runner := executor.NewRunner(reg, secrets.NewStaticProvider(nil), blobs, eval)
	acts := activities.New(runner, semaphore, blobs, 1<<20)
	env.RegisterWorkflowWithOptions(DSLWorkflow, workflow.RegisterOptions{Name: WorkflowLabel})
	env.RegisterActivity(acts)
	return &harness{env: env, registry: reg, semaphore: semaphore, blobs: blobs}
}

func (h *harness) register(t *testing.T, name string, fn registry.Func) {
	t.Helper()
	require.NoError(t, h.registry.Register(name, fn))
}

func (h *harness) run(t *testing.T, input *TriggerInput) (*Result, error) {
	t.Helper()
	h.env.ExecuteWorkflow(DSLWorkflow, input)
	require.True(t, h.env.IsWorkflowCompleted())
	if err := h.env.GetWorkflowError(); err != nil {
		return nil, err
	}
	var result Result
	require.NoError(t, h.env.GetWorkflowResult(&result))
	return &result, nil
}

func baseInput(wf *dsl.Workflow) *TriggerInput {
	return &TriggerInput{
		WorkflowExecID: core.MustNewID(),
		OrgID:          "org-test",
		Workflow:       wf,
		Limits: Limits{
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
			MaxWait:     time.Second,
		},
		Defaults: Defaults{
			MaxIterations:        5,
			ActionTimeout:        time.Minute,
			DefaultRetryAttempts: 3,
		},
	}
}

func appErrorType(t *testing.T, err error) string {
	t.Helper()
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	return appErr.Type()
}

func reshape(ref, value string, deps ...string) dsl.ActionStatement {
	return dsl.ActionStatement{
		Ref:       ref,
		Action:    "core.transform.reshape",
		Args:      map[string]any{"value": value},
		DependsOn: deps,
	}
}

func TestDSLWorkflow_Linear(t *testing.T) {
	t.Run("Should execute actions in dependency order and evaluate returns", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		var order []string
		h.register(t, "t.step", func(_ context.Context, args map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			name, _ := args["name"].(string)
			order = append(order, name)
			return map[string]any{"name": name}, nil
		})
		wf := &dsl.Workflow{
			Title: "linear",
			Actions: []dsl.ActionStatement{
				{Ref: "a", Action: "t.step", Args: map[string]any{"name": "a"}},
				{Ref: "b", Action: "t.step", Args: map[string]any{"name": "b"}, DependsOn: []string{"a"}},
				{Ref: "c", Action: "t.step", Args: map[string]any{"name": "${{ ACTIONS.b.result.name }}-next"}, DependsOn: []string{"b"}},
			},
			Returns: map[string]any{"last": "${{ ACTIONS.c.result.name }}"},
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "b-next"}, order)
		returns := result.Returns.(map[string]any)
		assert.Equal(t, "b-next", returns["last"])
		entry := result.Context["c"].(map[string]any)
		assert.Equal(t, "SUCCEEDED", entry["status"])
	})

	t.Run("Should merge trigger inputs over declared defaults", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title:  "inputs",
			Inputs: core.Input{"severity": "low", "channel": "soc"},
			Actions: []dsl.ActionStatement{
				reshape("echo", "${{ INPUTS.severity }}/${{ INPUTS.channel }}"),
			},
			Returns: "${{ ACTIONS.echo.result }}",
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"severity": "high"}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, "high/soc", result.Returns)
	})

	t.Run("Should reject invalid definitions before any dispatch", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "cyclic",
			Actions: []dsl.ActionStatement{
				{Ref: "entry", Action: "core.noop"},
				{Ref: "a", Action: "core.noop", DependsOn: []string{"b"}},
				{Ref: "b", Action: "core.noop", DependsOn: []string{"a"}},
			},
		}
		_, err := h.run(t, baseInput(wf))
		assert.Equal(t, ErrTypeValidation, appErrorType(t, err))
	})

	t.Run("Should honor start delays without stalling", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "delayed",
			Actions: []dsl.ActionStatement{
				{Ref: "a", Action: "core.noop", StartDelay: "1h"},
			},
		}
		_, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
	})
}

func TestDSLWorkflow_Joins(t *testing.T) {
	t.Run("Should skip a gated branch and leave no trace in the store", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "gated",
			Actions: []dsl.ActionStatement{
				reshape("start", "${{ TRIGGER.score }}"),
				{
					Ref:       "page",
					Action:    "core.noop",
					DependsOn: []string{"start"},
					RunIf:     "${{ ACTIONS.start.result > 90 }}",
				},
				{Ref: "log", Action: "core.noop", DependsOn: []string{"start"}},
				{Ref: "wrap", Action: "core.noop", DependsOn: []string{"page", "log"}},
			},
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"score": 10}
		result, err := h.run(t, input)
		require.NoError(t, err)
		_, paged := result.Context["page"]
		assert.False(t, paged, "skipped actions must not write to the store")
		// wrap still ran: one dependency succeeded, the other skipped.
		entry := result.Context["wrap"].(map[string]any)
		assert.Equal(t, "SUCCEEDED", entry["status"])
	})

	t.Run("Should cascade skips when every dependency skipped", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "cascade",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "gate", Action: "core.noop", DependsOn: []string{"start"}, RunIf: "${{ 1 > 2 }}"},
				{Ref: "after", Action: "core.noop", DependsOn: []string{"gate"}},
			},
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		_, ran := result.Context["after"]
		assert.False(t, ran)
	})

	t.Run("Should propagate failures through all-joins to the caller", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.fail", func(context.Context, map[string]any) (any, error) {
			return nil, assert.AnError
		})
		wf := &dsl.Workflow{
			Title: "failing",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "boom", Action: "t.fail", DependsOn: []string{"start"}, RetryPolicy: &dsl.RetryPolicy{MaxAttempts: 1}},
				{Ref: "after", Action: "core.noop", DependsOn: []string{"boom"}},
			},
		}
		_, err := h.run(t, baseInput(wf))
		require.Error(t, err)
		assert.Equal(t, ErrTypeActionFailed, appErrorType(t, err))
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("Should absorb a failure behind an any-join sibling success", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.fail", func(context.Context, map[string]any) (any, error) {
			return nil, assert.AnError
		})
		wf := &dsl.Workflow{
			Title: "fallback",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "primary", Action: "t.fail", DependsOn: []string{"start"}, RetryPolicy: &dsl.RetryPolicy{MaxAttempts: 1}},
				{Ref: "secondary", Action: "core.noop", DependsOn: []string{"start"}},
				{
					Ref:          "notify",
					Action:       "core.noop",
					DependsOn:    []string{"primary", "secondary"},
					JoinStrategy: dsl.JoinAny,
				},
			},
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		entry := result.Context["notify"].(map[string]any)
		assert.Equal(t, "SUCCEEDED", entry["status"])
	})

	t.Run("Should fail an any-join when no dependency succeeded", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.fail", func(context.Context, map[string]any) (any, error) {
			return nil, assert.AnError
		})
		wf := &dsl.Workflow{
			Title: "no-fallback",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "primary", Action: "t.fail", DependsOn: []string{"start"}, RetryPolicy: &dsl.RetryPolicy{MaxAttempts: 1}},
				{
					Ref:          "notify",
					Action:       "core.noop",
					DependsOn:    []string{"primary"},
					JoinStrategy: dsl.JoinAny,
				},
			},
		}
		_, err := h.run(t, baseInput(wf))
		require.Error(t, err)
		assert.Equal(t, ErrTypeActionFailed, appErrorType(t, err))
	})
}

func TestDSLWorkflow_FanOut(t *testing.T) {
	t.Run("Should fan out over for_each and keep item order", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "fanout",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "each",
					Action:    "core.transform.reshape",
					Args:      map[string]any{"value": "${{ item * 2.0 }}"},
					DependsOn: []string{"start"},
					ForEach:   "${{ TRIGGER.values }}",
				},
			},
			Returns: "${{ ACTIONS.each.result }}",
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"values": []any{1, 2, 3}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2), float64(4), float64(6)}, result.Returns)
	})

	t.Run("Should record an empty list for an empty for_each", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "empty-fanout",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "each",
					Action:    "core.noop",
					DependsOn: []string{"start"},
					ForEach:   "${{ TRIGGER.values }}",
				},
			},
			Returns: "${{ ACTIONS.each.result }}",
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"values": []any{}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []any{}, result.Returns)
	})
}

func TestDSLWorkflow_Scatter(t *testing.T) {
	scatterDefinition := func(interval float64) *dsl.Workflow {
		return &dsl.Workflow{
			Title: "scatter",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "fan",
					Action:    dsl.ActionScatter,
					Args:      map[string]any{"collection": "${{ TRIGGER.items }}", "interval": interval},
					DependsOn: []string{"start"},
				},
				reshape("work", "${{ item * 10.0 }}", "fan"),
				{
					Ref:       "collect",
					Action:    dsl.ActionGather,
					Args:      map[string]any{"items": "${{ ACTIONS.work.result }}"},
					DependsOn: []string{"work"},
				},
			},
			Returns: "${{ ACTIONS.collect.result }}",
		}
	}

	t.Run("Should gather stream results in collection order", func(t *testing.T) {
		h := newHarness(t)
		input := baseInput(scatterDefinition(0))
		input.TriggerInputs = core.Input{"items": []any{1, 2, 3, 4}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(10), float64(20), float64(30), float64(40)}, result.Returns)
	})

	t.Run("Should stagger streams when an interval is set", func(t *testing.T) {
		h := newHarness(t)
		input := baseInput(scatterDefinition(1.5))
		input.TriggerInputs = core.Input{"items": []any{1, 2}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(10), float64(20)}, result.Returns)
	})

	t.Run("Should complete immediately on an empty collection", func(t *testing.T) {
		h := newHarness(t)
		input := baseInput(scatterDefinition(0))
		input.TriggerInputs = core.Input{"items": []any{}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []any{}, result.Returns)
	})

	t.Run("Should fail the gather when a stream fails", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.picky", func(_ context.Context, args map[string]any) (any, error) {
			if n, ok := args["n"].(float64); ok && n > 2 {
				return nil, assert.AnError
			}
			return args["n"], nil
		})
		wf := scatterDefinition(0)
		wf.Actions[2] = dsl.ActionStatement{
			Ref:         "work",
			Action:      "t.picky",
			Args:        map[string]any{"n": "${{ item }}"},
			DependsOn:   []string{"fan"},
			RetryPolicy: &dsl.RetryPolicy{MaxAttempts: 1},
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"items": []any{1, 2, 3}}
		_, err := h.run(t, input)
		require.Error(t, err)
		assert.Equal(t, ErrTypeActionFailed, appErrorType(t, err))
	})

	t.Run("Should isolate sibling stream writes", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "isolated",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "fan",
					Action:    dsl.ActionScatter,
					Args:      map[string]any{"collection": "${{ TRIGGER.items }}"},
					DependsOn: []string{"start"},
				},
				reshape("tag", "${{ item }}", "fan"),
				reshape("read_back", "${{ ACTIONS.tag.result }}", "tag"),
				{
					Ref:       "collect",
					Action:    dsl.ActionGather,
					Args:      map[string]any{"items": "${{ ACTIONS.read_back.result }}"},
					DependsOn: []string{"read_back"},
				},
			},
			Returns: "${{ ACTIONS.collect.result }}",
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"items": []any{"a", "b", "c"}}
		result, err := h.run(t, input)
		require.NoError(t, err)
		// Every stream read its own tag, never a sibling's.
		assert.Equal(t, []any{"a", "b", "c"}, result.Returns)
	})

	t.Run("Should expand externalized collections and re-store the gather", func(t *testing.T) {
		h := newHarness(t)
		items := []any{"i-0", "i-1", "i-2", "i-3", "i-4"}
		manifest, err := h.blobs.PutCollection(context.Background(), items)
		require.NoError(t, err)
		wf := &dsl.Workflow{
			Title: "externalized",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "fan",
					Action:    dsl.ActionScatter,
					Args:      map[string]any{"collection": "${{ TRIGGER.big }}"},
					DependsOn: []string{"start"},
				},
				reshape("work", "${{ item }}", "fan"),
				{
					Ref:       "collect",
					Action:    dsl.ActionGather,
					Args:      map[string]any{"items": "${{ ACTIONS.work.result }}"},
					DependsOn: []string{"work"},
				},
				reshape("drain", "${{ ACTIONS.collect.result }}", "collect"),
			},
			Returns: "${{ ACTIONS.drain.result }}",
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"big": manifest.AsHandle()}
		result, err := h.run(t, input)
		require.NoError(t, err)
		// The gather recorded a manifest handle; drain inflated it back.
		assert.Equal(t, items, result.Returns)
		collect := result.Context["collect"].(map[string]any)
		_, isHandle := blob.ManifestFromHandle(collect["result"])
		assert.True(t, isHandle, "gather over an externalized collection must record a handle")
	})
}

func TestDSLWorkflow_Loops(t *testing.T) {
	loopDefinition := func(condition string) *dsl.Workflow {
		return &dsl.Workflow{
			Title: "loop",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "open", Action: dsl.ActionLoopStart, DependsOn: []string{"start"}},
				{Ref: "poll", Action: "t.poll", DependsOn: []string{"open"}},
				{
					Ref:       "close",
					Action:    dsl.ActionLoopEnd,
					Args:      map[string]any{"condition": condition},
					DependsOn: []string{"poll"},
				},
			},
			Returns: map[string]any{
				"pending":    "${{ ACTIONS.poll.result.pending }}",
				"iterations": "${{ ACTIONS.close.result.iterations }}",
			},
		}
	}

	t.Run("Should iterate until the condition turns false", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		calls := 0
		h.register(t, "t.poll", func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return map[string]any{"pending": 3 - calls}, nil
		})
		result, err := h.run(t, baseInput(loopDefinition("${{ ACTIONS.poll.result.pending > 0 }}")))
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		returns := result.Returns.(map[string]any)
		assert.Equal(t, float64(0), returns["pending"])
		assert.Equal(t, float64(3), returns["iterations"])
	})

	t.Run("Should run the body exactly once without a condition", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		calls := 0
		h.register(t, "t.poll", func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return map[string]any{"pending": 9}, nil
		})
		_, err := h.run(t, baseInput(loopDefinition("")))
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("Should keep inner loop iteration state independent per outer iteration", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		innerCalls, outerCalls := 0, 0
		h.register(t, "t.inner", func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			innerCalls++
			return map[string]any{"more": innerCalls%2 == 1}, nil
		})
		h.register(t, "t.outer", func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			outerCalls++
			return map[string]any{"more": outerCalls < 2}, nil
		})
		wf := &dsl.Workflow{
			Title: "nested-loops",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{Ref: "outer_open", Action: dsl.ActionLoopStart, DependsOn: []string{"start"}},
				{Ref: "inner_open", Action: dsl.ActionLoopStart, DependsOn: []string{"outer_open"}},
				{Ref: "step", Action: "t.inner", DependsOn: []string{"inner_open"}},
				{
					Ref:       "inner_close",
					Action:    dsl.ActionLoopEnd,
					Args:      map[string]any{"condition": "${{ ACTIONS.step.result.more }}"},
					DependsOn: []string{"step"},
				},
				{Ref: "tail", Action: "t.outer", DependsOn: []string{"inner_close"}},
				{
					Ref:       "outer_close",
					Action:    dsl.ActionLoopEnd,
					Args:      map[string]any{"condition": "${{ ACTIONS.tail.result.more }}"},
					DependsOn: []string{"tail"},
				},
			},
			Returns: map[string]any{
				"outer": "${{ ACTIONS.outer_close.result.iterations }}",
				"inner": "${{ ACTIONS.inner_close.result.iterations }}",
			},
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		assert.Equal(t, 4, innerCalls, "two inner iterations per outer iteration")
		assert.Equal(t, 2, outerCalls)
		returns := result.Returns.(map[string]any)
		// The inner counter restarted for the second outer iteration, and
		// closing the inner loop left the outer counter untouched.
		assert.Equal(t, float64(2), returns["inner"])
		assert.Equal(t, float64(2), returns["outer"])
	})

	t.Run("Should trip the iteration guard on a condition that never settles", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.poll", func(context.Context, map[string]any) (any, error) {
			return map[string]any{"pending": 1}, nil
		})
		wf := loopDefinition("${{ ACTIONS.poll.result.pending > 0 }}")
		wf.Actions[3].Args["max_iterations"] = 3
		_, err := h.run(t, baseInput(wf))
		require.Error(t, err)
		assert.Equal(t, ErrTypeMaxIterations, appErrorType(t, err))
	})
}

func TestDSLWorkflow_RetryUntil(t *testing.T) {
	t.Run("Should re-dispatch until the predicate holds", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		calls := 0
		h.register(t, "t.scan", func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return map[string]any{"n": calls}, nil
		})
		wf := &dsl.Workflow{
			Title: "retry-until",
			Actions: []dsl.ActionStatement{
				{
					Ref:    "scan",
					Action: "t.scan",
					RetryPolicy: &dsl.RetryPolicy{
						MaxAttempts: 5,
						RetryUntil:  "${{ ACTIONS.scan.result.n >= 3 }}",
					},
				},
			},
			Returns: "${{ ACTIONS.scan.result.n }}",
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, float64(3), result.Returns)
	})

	t.Run("Should fail the node when attempts run out", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.scan", func(context.Context, map[string]any) (any, error) {
			return map[string]any{"n": 0}, nil
		})
		wf := &dsl.Workflow{
			Title: "retry-exhausted",
			Actions: []dsl.ActionStatement{
				{
					Ref:    "scan",
					Action: "t.scan",
					RetryPolicy: &dsl.RetryPolicy{
						MaxAttempts: 2,
						RetryUntil:  "${{ ACTIONS.scan.result.n >= 3 }}",
					},
				},
			},
		}
		_, err := h.run(t, baseInput(wf))
		require.Error(t, err)
		assert.ErrorContains(t, err, "retry_until")
	})
}

func TestDSLWorkflow_Guards(t *testing.T) {
	t.Run("Should trip the execution budget", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title: "over-budget",
			Actions: []dsl.ActionStatement{
				{Ref: "a", Action: "core.noop"},
				{Ref: "b", Action: "core.noop", DependsOn: []string{"a"}},
				{Ref: "c", Action: "core.noop", DependsOn: []string{"b"}},
			},
		}
		input := baseInput(wf)
		input.Limits.ActionExecutions = 2
		_, err := h.run(t, input)
		require.Error(t, err)
		assert.Equal(t, ErrTypeExecutionLimit, appErrorType(t, err))
	})

	t.Run("Should fail fatally when the workflow permit never arrives", func(t *testing.T) {
		h := newHarness(t)
		// Another instance holds the only slot for the org.
		granted, err := h.semaphore.TryAcquire(
			context.Background(), "org-test", core.ResourceWorkflow, 1, "other-instance",
		)
		require.NoError(t, err)
		require.True(t, granted)
		wf := &dsl.Workflow{
			Title:   "blocked",
			Actions: []dsl.ActionStatement{{Ref: "a", Action: "core.noop"}},
		}
		input := baseInput(wf)
		input.Limits.WorkflowConcurrency = 1
		input.Limits.MaxWait = 50 * time.Millisecond
		input.Limits.BackoffBase = 20 * time.Millisecond
		_, err = h.run(t, input)
		require.Error(t, err)
		assert.Equal(t, ErrTypePermitWait, appErrorType(t, err))
	})

	t.Run("Should never exceed the action concurrency cap", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		maxLive := 0
		h.register(t, "t.gauge", func(ctx context.Context, args map[string]any) (any, error) {
			live, err := h.semaphore.Live(ctx, "org-test", core.ResourceAction)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			if live > maxLive {
				maxLive = live
			}
			mu.Unlock()
			return args["n"], nil
		})
		wf := &dsl.Workflow{
			Title: "capped-actions",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:       "each",
					Action:    "t.gauge",
					Args:      map[string]any{"n": "${{ item }}"},
					DependsOn: []string{"start"},
					ForEach:   "${{ TRIGGER.values }}",
				},
			},
		}
		input := baseInput(wf)
		input.TriggerInputs = core.Input{"values": []any{1, 2, 3, 4, 5}}
		input.Limits.ActionConcurrency = 2
		input.Limits.MaxWait = time.Minute
		_, err := h.run(t, input)
		require.NoError(t, err)
		mu.Lock()
		observed := maxLive
		mu.Unlock()
		assert.GreaterOrEqual(t, observed, 1)
		assert.LessOrEqual(t, observed, 2)
		live, err := h.semaphore.Live(context.Background(), "org-test", core.ResourceAction)
		require.NoError(t, err)
		assert.Zero(t, live, "every action permit must be released on completion")
	})

	t.Run("Should not hold a permit during a start delay", func(t *testing.T) {
		h := newHarness(t)
		var mu sync.Mutex
		var order []string
		h.register(t, "t.mark", func(_ context.Context, args map[string]any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, args["name"].(string))
			return map[string]any{"ok": true}, nil
		})
		wf := &dsl.Workflow{
			Title: "delayed-contention",
			Actions: []dsl.ActionStatement{
				{Ref: "start", Action: "core.noop"},
				{
					Ref:        "later",
					Action:     "t.mark",
					Args:       map[string]any{"name": "later"},
					DependsOn:  []string{"start"},
					StartDelay: "1h",
				},
				{Ref: "now", Action: "t.mark", Args: map[string]any{"name": "now"}, DependsOn: []string{"start"}},
			},
		}
		input := baseInput(wf)
		input.Limits.ActionConcurrency = 1
		// Any wait on the single permit is fatal, so the run only succeeds
		// when the delayed action leaves the permit free while sleeping.
		input.Limits.MaxWait = time.Millisecond
		_, err := h.run(t, input)
		require.NoError(t, err)
		assert.Equal(t, []string{"now", "later"}, order)
	})

	t.Run("Should release the workflow permit on completion", func(t *testing.T) {
		h := newHarness(t)
		wf := &dsl.Workflow{
			Title:   "permitted",
			Actions: []dsl.ActionStatement{{Ref: "a", Action: "core.noop"}},
		}
		input := baseInput(wf)
		input.Limits.WorkflowConcurrency = 2
		_, err := h.run(t, input)
		require.NoError(t, err)
		live, err := h.semaphore.Live(context.Background(), "org-test", core.ResourceWorkflow)
		require.NoError(t, err)
		assert.Zero(t, live)
	})
}

func TestDSLWorkflow_Fixtures(t *testing.T) {
	t.Run("Should substitute pinned fixture results without dispatching", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.live", func(context.Context, map[string]any) (any, error) {
			t.Error("fixture-pinned action must not execute")
			return nil, nil
		})
		wf := &dsl.Workflow{
			Title: "fixture",
			Actions: []dsl.ActionStatement{
				{Ref: "lookup", Action: "t.live"},
				reshape("shape", "${{ ACTIONS.lookup.result.score }}", "lookup"),
			},
			Tests:   []dsl.TestFixture{{Ref: "lookup", Success: map[string]any{"score": 42}}},
			Returns: "${{ ACTIONS.shape.result }}",
		}
		result, err := h.run(t, baseInput(wf))
		require.NoError(t, err)
		assert.Equal(t, float64(42), result.Returns)
	})

	t.Run("Should inject pinned failures", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "t.live", func(context.Context, map[string]any) (any, error) {
			return "real", nil
		})
		wf := &dsl.Workflow{
			Title: "fixture-failure",
			Actions: []dsl.ActionStatement{
				{Ref: "lookup", Action: "t.live"},
			},
			Tests: []dsl.TestFixture{{Ref: "lookup", Failure: "simulated outage"}},
		}
		_, err := h.run(t, baseInput(wf))
		require.Error(t, err)
		assert.ErrorContains(t, err, "simulated outage")
	})
}
