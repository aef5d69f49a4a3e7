package scheduler

import (
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/sentinelflow/sentinelflow/engine/core"
)

// Fatal error types. These abort the workflow instance immediately and are
// never retried by the substrate.
const (
	ErrTypeValidation       = "validation_error"
	ErrTypeMaxIterations    = "max_iterations_exceeded"
	ErrTypeExecutionLimit   = "execution_limit_exceeded"
	ErrTypePermitWait       = "permit_wait_timeout"
	ErrTypeActionFailed     = "action_failed"
	ErrTypeWorkflowInternal = "workflow_internal"
)

// fatalError builds a non-retryable application error naming the tripped
// guard or violated rule.
func fatalError(errType string, format string, args ...any) error {
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf(format, args...), errType, nil)
}

// failureError wraps a terminal failure into the structured payload surfaced
// to the caller: failing ref plus innermost cause.
func failureError(nodeErr *core.Error) error {
	msg := "workflow failed: " + nodeErr.Message
	if nodeErr.Ref != "" {
		msg = fmt.Sprintf("action %q failed: %s", nodeErr.Ref, nodeErr.Message)
	}
	return temporal.NewApplicationError(msg, ErrTypeActionFailed, nodeErr)
}
