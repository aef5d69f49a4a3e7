package scheduler

import (
	"time"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
)

// TriggerInput starts one workflow instance. Limits and defaults are
// resolved by the worker at trigger time and embedded here so replays see
// the exact values the original run used.
type TriggerInput struct {
	WorkflowExecID core.ID       `json:"workflow_exec_id"`
	OrgID          string        `json:"org_id"`
	Workflow       *dsl.Workflow `json:"workflow"`
	TriggerInputs  core.Input    `json:"trigger_inputs,omitempty"`
	Limits         Limits        `json:"limits"`
	Defaults       Defaults      `json:"defaults"`
}

// Limits carries the admission-control caps and polling knobs for this run.
// Zero caps mean unlimited.
type Limits struct {
	WorkflowConcurrency int           `json:"workflow_concurrency"`
	ActionConcurrency   int           `json:"action_concurrency"`
	ActionExecutions    int           `json:"action_executions"`
	BackoffBase         time.Duration `json:"backoff_base"`
	BackoffMax          time.Duration `json:"backoff_max"`
	MaxWait             time.Duration `json:"max_wait"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
}

// Defaults carries scheduler fallbacks applied when the workflow definition
// does not override them.
type Defaults struct {
	MaxIterations        int           `json:"max_iterations"`
	ActionTimeout        time.Duration `json:"action_timeout"`
	DefaultRetryAttempts int           `json:"default_retry_attempts"`
}

// Result is the externally observable outcome of a completed instance: the
// evaluated returns expression (or the full ACTIONS snapshot when none is
// declared).
type Result struct {
	WorkflowExecID core.ID        `json:"workflow_exec_id"`
	Returns        any            `json:"returns,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}
