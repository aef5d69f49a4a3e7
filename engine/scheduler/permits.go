package scheduler

import (
	"time"

	"github.com/sethvargo/go-retry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/engine/scheduler/activities"
)

func permitActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
}

// acquirePermit polls the admission semaphore until a permit is granted,
// sleeping with capped exponential backoff between attempts. The wait is a
// durable timer: a blocked instance consumes no worker slot. Exceeding
// max_wait trips a fatal guard. The returned release runs on a disconnected
// context so cleanup survives cancellation.
func (m *machine) acquirePermit(
	ctx workflow.Context,
	kind core.ResourceKind,
	capacity int,
	holder string,
) (func(), error) {
	if capacity <= 0 {
		return func() {}, nil
	}
	input := &activities.TryAcquirePermitInput{
		OrgID:  m.input.OrgID,
		Kind:   kind,
		Cap:    capacity,
		Holder: holder,
	}
	backoff := retry.WithCappedDuration(
		m.input.Limits.BackoffMax,
		retry.NewExponential(m.input.Limits.BackoffBase),
	)
	var waited time.Duration
	for {
		var out activities.TryAcquirePermitOutput
		actx := workflow.WithActivityOptions(ctx, permitActivityOptions())
		err := workflow.ExecuteActivity(actx, activities.TryAcquirePermitLabel, input).Get(actx, &out)
		if err != nil {
			return nil, err
		}
		if out.Granted {
			break
		}
		delay, _ := backoff.Next()
		if maxWait := m.input.Limits.MaxWait; maxWait > 0 && waited+delay > maxWait {
			return nil, fatalError(
				ErrTypePermitWait,
				"no %s permit became available within %s", kind, maxWait,
			)
		}
		waited += delay
		if err := workflow.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	release := func() {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		actx := workflow.WithActivityOptions(dctx, permitActivityOptions())
		_ = workflow.ExecuteActivity(actx, activities.ReleasePermitLabel, &activities.ReleasePermitInput{
			OrgID:  m.input.OrgID,
			Kind:   kind,
			Holder: holder,
		}).Get(actx, nil)
	}
	return release, nil
}

// startHeartbeat extends the permit lease periodically until the returned
// stop function is called. Only the long-lived workflow permit needs this;
// action permits are short enough to ride on the lease TTL.
func (m *machine) startHeartbeat(ctx workflow.Context, kind core.ResourceKind, holder string) func() {
	interval := m.input.Limits.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	hctx, cancel := workflow.WithCancel(ctx)
	workflow.Go(hctx, func(gctx workflow.Context) {
		input := &activities.HeartbeatPermitInput{
			OrgID:  m.input.OrgID,
			Kind:   kind,
			Holder: holder,
		}
		for {
			if err := workflow.Sleep(gctx, interval); err != nil {
				return
			}
			actx := workflow.WithActivityOptions(gctx, permitActivityOptions())
			_ = workflow.ExecuteActivity(actx, activities.HeartbeatPermitLabel, input).Get(actx, nil)
		}
	})
	return cancel
}
