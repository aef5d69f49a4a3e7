package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelflow/sentinelflow/engine/core"
	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// Permit is a unit of admission capacity held by one workflow or action
// execution. Holders heartbeat their permit; a holder that disappears
// without releasing is reclaimed once its lease expires.
type Permit struct {
	OrgID  string            `json:"org_id"`
	Kind   core.ResourceKind `json:"kind"`
	Holder string            `json:"holder"`
}

// Semaphore is a distributed, per-organization counting semaphore backed by
// the shared Redis instance. Live permits are members of a sorted set scored
// by lease expiry; every mutation happens in a single Lua script so there
// are no read-modify-write races. Organizations never share keys.
type Semaphore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

const defaultPermitTTL = time.Minute

func NewSemaphore(client redis.UniversalClient, ttl time.Duration) *Semaphore {
	if ttl <= 0 {
		ttl = defaultPermitTTL
	}
	return &Semaphore{client: client, ttl: ttl}
}

func semaphoreKey(orgID string, kind core.ResourceKind) string {
	return fmt.Sprintf("admission:%s:%s", orgID, kind)
}

// acquireScript purges expired leases, then admits the holder only when the
// live count is below the cap. Re-acquisition by the same holder refreshes
// its lease instead of consuming a second slot.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  return 1
end
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  return 1
end
return 0
`)

// TryAcquire attempts to take one permit. cap <= 0 means the resource is
// uncapped and the permit is granted without touching the store.
func (s *Semaphore) TryAcquire(
	ctx context.Context,
	orgID string,
	kind core.ResourceKind,
	cap int,
	holder string,
) (bool, error) {
	if cap <= 0 {
		return true, nil
	}
	now := time.Now()
	granted, err := acquireScript.Run(
		ctx,
		s.client,
		[]string{semaphoreKey(orgID, kind)},
		now.UnixMilli(),
		cap,
		now.Add(s.ttl).UnixMilli(),
		holder,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s permit for org %s: %w", kind, orgID, err)
	}
	return granted == 1, nil
}

// Release removes the holder's permit. Releasing an already released or
// expired permit is a no-op, so cleanup paths can call it unconditionally.
func (s *Semaphore) Release(ctx context.Context, orgID string, kind core.ResourceKind, holder string) error {
	if err := s.client.ZRem(ctx, semaphoreKey(orgID, kind), holder).Err(); err != nil {
		return fmt.Errorf("failed to release %s permit for org %s: %w", kind, orgID, err)
	}
	return nil
}

// heartbeatScript extends the lease only while the permit is still live.
var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// Heartbeat extends the holder's lease. It reports false when the lease
// already expired and was reclaimed.
func (s *Semaphore) Heartbeat(ctx context.Context, orgID string, kind core.ResourceKind, holder string) (bool, error) {
	alive, err := heartbeatScript.Run(
		ctx,
		s.client,
		[]string{semaphoreKey(orgID, kind)},
		time.Now().Add(s.ttl).UnixMilli(),
		holder,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat %s permit for org %s: %w", kind, orgID, err)
	}
	if alive == 0 {
		logger.FromContext(ctx).Warn(
			"Permit lease expired before heartbeat",
			"org_id", orgID, "kind", kind, "holder", holder,
		)
	}
	return alive == 1, nil
}

// Live returns the number of unexpired permits for the key.
func (s *Semaphore) Live(ctx context.Context, orgID string, kind core.ResourceKind) (int, error) {
	key := semaphoreKey(orgID, kind)
	if err := s.client.ZRemRangeByScore(
		ctx, key, "-inf", fmt.Sprintf("%d", time.Now().UnixMilli()),
	).Err(); err != nil {
		return 0, fmt.Errorf("failed to purge expired permits: %w", err)
	}
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count permits: %w", err)
	}
	return int(count), nil
}
