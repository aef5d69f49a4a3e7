package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.temporal.io/sdk/client"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/dsl"
	"github.com/sentinelflow/sentinelflow/engine/scheduler"
	"github.com/sentinelflow/sentinelflow/pkg/config"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// Client triggers and manages workflow instances. It is safe for use from
// any process that can reach the Temporal frontend; running a worker is not
// required to trigger.
type Client struct {
	temporal  client.Client
	taskQueue string
	cfg       *config.Config
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	log := logger.FromContext(ctx)
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    newTemporalLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.Temporal.HostPort, err)
	}
	return newClient(c, cfg), nil
}

func newClient(c client.Client, cfg *config.Config) *Client {
	return &Client{
		temporal:  c,
		taskQueue: slug.Make(cfg.Temporal.TaskQueue),
		cfg:       cfg,
	}
}

func (c *Client) Close() {
	c.temporal.Close()
}

// TriggerOptions carries per-trigger parameters.
type TriggerOptions struct {
	OrgID string
	// Inputs override the definition's declared input defaults.
	Inputs core.Input
	// WorkflowID pins the instance identifier; generated when empty.
	WorkflowID string
}

// Run is the handle to a started workflow instance.
type Run struct {
	WorkflowExecID core.ID
	WorkflowID     string
	RunID          string
	run            client.WorkflowRun
}

// Wait blocks until the instance completes and returns its result.
func (r *Run) Wait(ctx context.Context) (*scheduler.Result, error) {
	var result scheduler.Result
	if err := r.run.Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerWorkflow validates the definition locally, then starts one instance
// on the task queue. Validation failures never reach the substrate.
func (c *Client) TriggerWorkflow(
	ctx context.Context,
	wf *dsl.Workflow,
	opts *TriggerOptions,
) (*Run, error) {
	if opts == nil {
		opts = &TriggerOptions{}
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	execID := core.MustNewID()
	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = fmt.Sprintf("%s-%s", slug.Make(wf.Title), uuid.NewString())
	}
	startOpts := client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}
	if wf.Config != nil && wf.Config.Timeout != "" {
		timeout, err := core.ParseHumanDuration(wf.Config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow timeout %q: %w", wf.Config.Timeout, err)
		}
		startOpts.WorkflowExecutionTimeout = timeout
	}
	input := &scheduler.TriggerInput{
		WorkflowExecID: execID,
		OrgID:          opts.OrgID,
		Workflow:       wf,
		TriggerInputs:  opts.Inputs,
		Limits: scheduler.Limits{
			WorkflowConcurrency: c.cfg.Limits.WorkflowConcurrency,
			ActionConcurrency:   c.cfg.Limits.ActionConcurrency,
			ActionExecutions:    c.cfg.Limits.ActionExecutions,
			BackoffBase:         c.cfg.Limits.BackoffBase,
			BackoffMax:          c.cfg.Limits.BackoffMax,
			MaxWait:             c.cfg.Limits.MaxWait,
			HeartbeatInterval:   c.cfg.Limits.HeartbeatInterval,
		},
		Defaults: scheduler.Defaults{
			MaxIterations:        c.cfg.Scheduler.MaxIterations,
			ActionTimeout:        c.cfg.Scheduler.ActionTimeout,
			DefaultRetryAttempts: c.cfg.Scheduler.DefaultRetryAttempts,
		},
	}
	run, err := c.temporal.ExecuteWorkflow(ctx, startOpts, scheduler.WorkflowLabel, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow %q: %w", workflowID, err)
	}
	logger.FromContext(ctx).Info("Workflow triggered",
		"workflow_id", workflowID,
		"workflow_exec_id", execID,
		"org_id", opts.OrgID,
	)
	return &Run{
		WorkflowExecID: execID,
		WorkflowID:     workflowID,
		RunID:          run.GetRunID(),
		run:            run,
	}, nil
}

// CancelWorkflow requests graceful cancellation: in-flight activities finish
// and permits are released through the disconnected cleanup paths.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	return c.temporal.CancelWorkflow(ctx, workflowID, "")
}

// TerminateWorkflow kills the instance without running cleanup. Leaked
// permits are reclaimed by lease expiry.
func (c *Client) TerminateWorkflow(ctx context.Context, workflowID, reason string) error {
	return c.temporal.TerminateWorkflow(ctx, workflowID, "", reason)
}
