package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelflow/sentinelflow/engine/core"
)

func newTestSemaphore(t *testing.T, ttl time.Duration) (*Semaphore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSemaphore(client, ttl), mr
}

func TestSemaphore_TryAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("Should admit holders up to the cap", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		for i, holder := range []string{"a", "b"} {
			granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 2, holder)
			require.NoError(t, err, "holder %d", i)
			assert.True(t, granted)
		}
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 2, "c")
		require.NoError(t, err)
		assert.False(t, granted)
	})

	t.Run("Should grant without touching the store when uncapped", func(t *testing.T) {
		sem, mr := newTestSemaphore(t, time.Minute)
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceAction, 0, "a")
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Empty(t, mr.Keys())
	})

	t.Run("Should refresh the lease on re-acquisition instead of double counting", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		for range 3 {
			granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 1, "same")
			require.NoError(t, err)
			assert.True(t, granted)
		}
		live, err := sem.Live(ctx, "org1", core.ResourceWorkflow)
		require.NoError(t, err)
		assert.Equal(t, 1, live)
	})

	t.Run("Should isolate organizations", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 1, "a")
		require.NoError(t, err)
		assert.True(t, granted)
		granted, err = sem.TryAcquire(ctx, "org2", core.ResourceWorkflow, 1, "b")
		require.NoError(t, err)
		assert.True(t, granted)
	})

	t.Run("Should reclaim expired leases", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, 10*time.Millisecond)
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 1, "dead")
		require.NoError(t, err)
		require.True(t, granted)
		time.Sleep(25 * time.Millisecond)
		granted, err = sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 1, "alive")
		require.NoError(t, err)
		assert.True(t, granted)
	})
}

func TestSemaphore_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("Should free capacity for the next holder", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceAction, 1, "a")
		require.NoError(t, err)
		require.True(t, granted)
		require.NoError(t, sem.Release(ctx, "org1", core.ResourceAction, "a"))
		granted, err = sem.TryAcquire(ctx, "org1", core.ResourceAction, 1, "b")
		require.NoError(t, err)
		assert.True(t, granted)
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		require.NoError(t, sem.Release(ctx, "org1", core.ResourceAction, "never-held"))
		require.NoError(t, sem.Release(ctx, "org1", core.ResourceAction, "never-held"))
	})
}

func TestSemaphore_Heartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("Should extend a live lease", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		granted, err := sem.TryAcquire(ctx, "org1", core.ResourceWorkflow, 1, "a")
		require.NoError(t, err)
		require.True(t, granted)
		alive, err := sem.Heartbeat(ctx, "org1", core.ResourceWorkflow, "a")
		require.NoError(t, err)
		assert.True(t, alive)
	})

	t.Run("Should report a lost lease", func(t *testing.T) {
		sem, _ := newTestSemaphore(t, time.Minute)
		alive, err := sem.Heartbeat(ctx, "org1", core.ResourceWorkflow, "ghost")
		require.NoError(t, err)
		assert.False(t, alive)
	})
}

func TestBudget(t *testing.T) {
	t.Run("Should trip once the cap is exhausted", func(t *testing.T) {
		budget := NewBudget(2)
		require.NoError(t, budget.Consume())
		require.NoError(t, budget.Consume())
		err := budget.Consume()
		require.Error(t, err)
		exceeded := &ErrBudgetExceeded{}
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, 2, exceeded.Cap)
	})

	t.Run("Should count but never trip when uncapped", func(t *testing.T) {
		budget := NewBudget(0)
		for range 100 {
			require.NoError(t, budget.Consume())
		}
		assert.Equal(t, 100, budget.Used)
	})
}
