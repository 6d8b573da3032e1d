package scheduling

import (
	"context"
	"time"

	"taskcenter/pkg/config"
	"taskcenter/pkg/gen"
	"taskcenter/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Guard keeps ticks from overlapping across replicas. Acquire returns ok=false when
// another holder owns the tick.
type Guard interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type noopGuard struct{}

func (noopGuard) Acquire(context.Context) (func(), bool, error) { return func() {}, true, nil }

// NoopGuard always grants. Used when redis is not wired.
func NoopGuard() Guard { return noopGuard{} }

// compare-and-delete so a holder whose lease expired cannot drop the next holder's lease
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type leaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLease is a SET NX lease with a random token, released only by its holder.
type RedisLease struct {
	client leaseClient
	key    string
	ttl    time.Duration
}

func NewRedisLease(client leaseClient, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (func(), bool, error) {
	token, err := gen.NewTrackID()
	if err != nil {
		return nil, false, err
	}

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		if err := releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err(); err != nil {
			zap.L().Warn("[Scheduler] failed to release tick lease", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}

type GuardParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func NewGuard(p GuardParams) Guard {
	if p.Redis == nil {
		zap.L().Warn("[Scheduler] redis not configured, tick lease disabled")
		return NoopGuard()
	}
	return NewRedisLease(p.Redis, rediskey.BuildTickLeaseKey(p.Config.AppName), p.Config.Scheduler.LeaseTTL)
}
