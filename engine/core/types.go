package core

import (
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// StatusType tracks the lifecycle of a single action node instance inside a
// workflow run. SKIPPED is terminal and non-failing: joins treat it like
// success, but a skipped node never writes a result.
type StatusType string

const (
	StatusPending    StatusType = "PENDING"
	StatusReady      StatusType = "READY"
	StatusDispatched StatusType = "DISPATCHED"
	StatusSucceeded  StatusType = "SUCCEEDED"
	StatusFailed     StatusType = "FAILED"
	StatusSkipped    StatusType = "SKIPPED"
	StatusCanceled   StatusType = "CANCELED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status participates in downstream join
// evaluation.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCanceled:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Inputs / Outputs
// -----------------------------------------------------------------------------

// Input carries trigger or action arguments.
type Input map[string]any

// Output carries an action result.
type Output map[string]any

func (i Input) AsMap() map[string]any {
	return map[string]any(i)
}

func (o Output) AsMap() map[string]any {
	return map[string]any(o)
}

// -----------------------------------------------------------------------------
// Resource kinds (admission control)
// -----------------------------------------------------------------------------

// ResourceKind identifies the unit of work guarded by a concurrency permit.
type ResourceKind string

const (
	ResourceWorkflow ResourceKind = "workflow"
	ResourceAction   ResourceKind = "action"
)

func (r ResourceKind) String() string {
	return string(r)
}

// -----------------------------------------------------------------------------
// Durations
// -----------------------------------------------------------------------------

// ParseHumanDuration parses durations like "1h30m", "45s" or "2d".
func ParseHumanDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}
