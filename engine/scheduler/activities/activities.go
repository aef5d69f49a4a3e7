package activities

import (
	"github.com/sentinelflow/sentinelflow/engine/admission"
	"github.com/sentinelflow/sentinelflow/engine/blob"
	"github.com/sentinelflow/sentinelflow/engine/executor"
)

// Activities bundles every activity implementation the scheduler dispatches.
// Method names double as activity labels, so the consts below must match
// the method names exactly.
type Activities struct {
	runner          *executor.Runner
	semaphore       *admission.Semaphore
	blobs           blob.Store
	inlineThreshold int
}

func New(
	runner *executor.Runner,
	semaphore *admission.Semaphore,
	blobs blob.Store,
	inlineThreshold int,
) *Activities {
	return &Activities{
		runner:          runner,
		semaphore:       semaphore,
		blobs:           blobs,
		inlineThreshold: inlineThreshold,
	}
}
