package activities

import (
	"context"

	"github.com/sentinelflow/sentinelflow/engine/core"
)

const (
	TryAcquirePermitLabel = "TryAcquirePermit"
	ReleasePermitLabel    = "ReleasePermit"
	HeartbeatPermitLabel  = "HeartbeatPermit"
)

type TryAcquirePermitInput struct {
	OrgID  string            `json:"org_id"`
	Kind   core.ResourceKind `json:"kind"`
	Cap    int               `json:"cap"`
	Holder string            `json:"holder"`
}

type TryAcquirePermitOutput struct {
	Granted bool `json:"granted"`
}

// TryAcquirePermit attempts one non-blocking semaphore acquisition. The
// scheduler owns the backoff/retry loop so the wait is a durable timer, not
// a busy loop inside the activity.
func (a *Activities) TryAcquirePermit(
	ctx context.Context,
	input *TryAcquirePermitInput,
) (*TryAcquirePermitOutput, error) {
	granted, err := a.semaphore.TryAcquire(ctx, input.OrgID, input.Kind, input.Cap, input.Holder)
	if err != nil {
		return nil, err
	}
	return &TryAcquirePermitOutput{Granted: granted}, nil
}

type ReleasePermitInput struct {
	OrgID  string            `json:"org_id"`
	Kind   core.ResourceKind `json:"kind"`
	Holder string            `json:"holder"`
}

// ReleasePermit removes a permit. Idempotent; invoked from guaranteed
// cleanup paths including cancellation.
func (a *Activities) ReleasePermit(ctx context.Context, input *ReleasePermitInput) error {
	return a.semaphore.Release(ctx, input.OrgID, input.Kind, input.Holder)
}

type HeartbeatPermitInput struct {
	OrgID  string            `json:"org_id"`
	Kind   core.ResourceKind `json:"kind"`
	Holder string            `json:"holder"`
}

type HeartbeatPermitOutput struct {
	Alive bool `json:"alive"`
}

// HeartbeatPermit extends a live permit's lease.
func (a *Activities) HeartbeatPermit(
	ctx context.Context,
	input *HeartbeatPermitInput,
) (*HeartbeatPermitOutput, error) {
	alive, err := a.semaphore.Heartbeat(ctx, input.OrgID, input.Kind, input.Holder)
	if err != nil {
		return nil, err
	}
	return &HeartbeatPermitOutput{Alive: alive}, nil
}
