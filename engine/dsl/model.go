package dsl

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/sentinelflow/sentinelflow/engine/core"
)

// Structural action types. A scatter/loop.start opens a scope that the
// paired gather/loop.end closes.
const (
	ActionScatter   = "core.transform.scatter"
	ActionGather    = "core.transform.gather"
	ActionLoopStart = "core.loop.start"
	ActionLoopEnd   = "core.loop.end"
)

// JoinStrategy determines how a node's readiness is computed from the
// terminal states of its dependencies.
type JoinStrategy string

const (
	JoinAll JoinStrategy = "all"
	JoinAny JoinStrategy = "any"
)

// RetryPolicy controls transient-failure handling for a single action.
type RetryPolicy struct {
	MaxAttempts        int     `yaml:"max_attempts"        json:"max_attempts"`
	InitialInterval    string  `yaml:"initial_interval"    json:"initial_interval,omitempty"`
	BackoffCoefficient float64 `yaml:"backoff_coefficient" json:"backoff_coefficient,omitempty"`
	MaxInterval        string  `yaml:"max_interval"        json:"max_interval,omitempty"`
	// RetryUntil re-dispatches the action until this expression evaluates
	// true against the action's result. Each attempt counts toward the
	// workflow execution budget.
	RetryUntil string `yaml:"retry_until" json:"retry_until,omitempty"`
}

// ActionStatement is one node in the workflow graph.
type ActionStatement struct {
	Ref          string         `yaml:"ref"                     json:"ref"`
	Action       string         `yaml:"action"                  json:"action"`
	Args         map[string]any `yaml:"args,omitempty"          json:"args,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty"    json:"depends_on,omitempty"`
	RunIf        string         `yaml:"run_if,omitempty"        json:"run_if,omitempty"`
	ForEach      string         `yaml:"for_each,omitempty"      json:"for_each,omitempty"`
	JoinStrategy JoinStrategy   `yaml:"join_strategy,omitempty" json:"join_strategy,omitempty"`
	RetryPolicy  *RetryPolicy   `yaml:"retry_policy,omitempty"  json:"retry_policy,omitempty"`
	StartDelay   string         `yaml:"start_delay,omitempty"   json:"start_delay,omitempty"`
}

func (a *ActionStatement) GetJoinStrategy() JoinStrategy {
	if a.JoinStrategy == "" {
		return JoinAll
	}
	return a.JoinStrategy
}

func (a *ActionStatement) GetStartDelay() (time.Duration, error) {
	return core.ParseHumanDuration(a.StartDelay)
}

// IsScopeOpener reports whether the action opens a scatter or loop scope.
func (a *ActionStatement) IsScopeOpener() bool {
	return a.Action == ActionScatter || a.Action == ActionLoopStart
}

// IsScopeCloser reports whether the action closes a scatter or loop scope.
func (a *ActionStatement) IsScopeCloser() bool {
	return a.Action == ActionGather || a.Action == ActionLoopEnd
}

// ArgString returns a string-typed argument, or "" when absent.
func (a *ActionStatement) ArgString(name string) string {
	if a.Args == nil {
		return ""
	}
	if v, ok := a.Args[name].(string); ok {
		return v
	}
	return ""
}

// ArgInt returns an integer-typed argument, or def when absent.
func (a *ActionStatement) ArgInt(name string, def int) int {
	if a.Args == nil {
		return def
	}
	switch v := a.Args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ArgFloat returns a float-typed argument, or def when absent.
func (a *ActionStatement) ArgFloat(name string, def float64) float64 {
	if a.Args == nil {
		return def
	}
	switch v := a.Args[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return def
	}
}

// TriggerConfig describes how a workflow instance is started. Trigger
// delivery itself (webhooks, schedules) lives outside the engine.
type TriggerConfig struct {
	Type string         `yaml:"type"           json:"type"`
	Ref  string         `yaml:"ref,omitempty"  json:"ref,omitempty"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// TestFixture pins a mocked result for an action ref during workflow tests.
type TestFixture struct {
	Ref     string `yaml:"ref"     json:"ref"`
	Success any    `yaml:"success" json:"success,omitempty"`
	Failure string `yaml:"failure" json:"failure,omitempty"`
}

// WorkflowConfig carries per-workflow scheduler overrides.
type WorkflowConfig struct {
	Timeout       string `yaml:"timeout,omitempty"        json:"timeout,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// Workflow is the declarative workflow definition ingested by the engine.
type Workflow struct {
	Title       string            `yaml:"title"                 json:"title"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Entrypoint  string            `yaml:"entrypoint,omitempty"  json:"entrypoint,omitempty"`
	Actions     []ActionStatement `yaml:"actions"               json:"actions"`
	Config      *WorkflowConfig   `yaml:"config,omitempty"      json:"config,omitempty"`
	Triggers    []TriggerConfig   `yaml:"triggers,omitempty"    json:"triggers,omitempty"`
	Inputs      core.Input        `yaml:"inputs,omitempty"      json:"inputs,omitempty"`
	Returns     any               `yaml:"returns,omitempty"     json:"returns,omitempty"`
	Tests       []TestFixture     `yaml:"tests,omitempty"       json:"tests,omitempty"`
}

// FindAction returns the statement with the given ref, or nil.
func (w *Workflow) FindAction(ref string) *ActionStatement {
	for i := range w.Actions {
		if w.Actions[i].Ref == ref {
			return &w.Actions[i]
		}
	}
	return nil
}

// FromYAML parses and validates a workflow definition. It never returns a
// partially validated workflow: on any structural violation the result is a
// *ValidationError and a nil workflow.
func FromYAML(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// FromMap builds a validated workflow from an already-decoded document, as
// delivered by API payloads or embedded definitions.
func FromMap(doc map[string]any) (*Workflow, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow document: %w", err)
	}
	return FromYAML(data)
}
