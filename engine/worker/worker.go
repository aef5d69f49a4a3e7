package worker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sentinelflow/sentinelflow/engine/admission"
	"github.com/sentinelflow/sentinelflow/engine/blob"
	"github.com/sentinelflow/sentinelflow/engine/executor"
	"github.com/sentinelflow/sentinelflow/engine/expr"
	"github.com/sentinelflow/sentinelflow/engine/registry"
	"github.com/sentinelflow/sentinelflow/engine/scheduler"
	"github.com/sentinelflow/sentinelflow/engine/scheduler/activities"
	"github.com/sentinelflow/sentinelflow/engine/secrets"
	"github.com/sentinelflow/sentinelflow/pkg/config"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// Worker hosts the DSL workflow and its activities on one task queue.
type Worker struct {
	client *Client
	worker worker.Worker
	redis  redis.UniversalClient
}

// Options inject the deployment-specific pieces; zero values fall back to
// the built-in registry and an empty static secrets provider.
type Options struct {
	Registry *registry.Registry
	Secrets  secrets.Provider
}

func New(ctx context.Context, cfg *config.Config, opts *Options) (*Worker, error) {
	if opts == nil {
		opts = &Options{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	provider := opts.Secrets
	if provider == nil {
		provider = secrets.NewStaticProvider(nil)
	}
	log := logger.FromContext(ctx)
	rdb, err := NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	eval, err := expr.NewEvaluator()
	if err != nil {
		_ = rdb.Close()
		c.Close()
		return nil, fmt.Errorf("failed to initialize expression engine: %w", err)
	}
	semaphore := admission.NewSemaphore(rdb, cfg.Limits.PermitTTL)
	blobs := blob.NewRedisStore(rdb, &blob.Config{
		ChunkSize: cfg.Blob.ChunkSize,
		TTL:       cfg.Blob.TTL,
	})
	runner := executor.NewRunner(reg, provider, blobs, eval)
	acts := activities.New(runner, semaphore, blobs, cfg.Blob.InlineThreshold)
	w := worker.New(c.temporal, c.taskQueue, worker.Options{
		BackgroundActivityContext: logger.ContextWithLogger(context.Background(), log),
	})
	w.RegisterWorkflowWithOptions(scheduler.DSLWorkflow, workflow.RegisterOptions{
		Name: scheduler.WorkflowLabel,
	})
	w.RegisterActivity(acts)
	return &Worker{client: c, worker: w, redis: rdb}, nil
}

// Client returns the trigger client sharing this worker's connection.
func (w *Worker) Client() *Client {
	return w.client
}

// Run blocks serving the task queue until the process is interrupted or
// Stop is called.
func (w *Worker) Run() error {
	return w.worker.Run(worker.InterruptCh())
}

func (w *Worker) Stop() {
	w.worker.Stop()
	w.client.Close()
	_ = w.redis.Close()
}
