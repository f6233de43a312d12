// ABOUTME: Redis-backed Locker using SET NX PX with a per-holder token
// ABOUTME: Release runs a Lua compare-and-delete so only the holder can unlock

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL          = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockConfig holds Redis lock settings.
type RedisLockConfig struct {
	Prefix       string        // key prefix, e.g. "concierge:lock:"
	TTL          time.Duration // lease on the key; bounds how long a crashed holder blocks others
	PollInterval time.Duration // wait between attempts while the key is held
}

// RedisLock implements Locker across processes sharing a Redis server.
type RedisLock struct {
	client redis.UniversalClient
	cfg    RedisLockConfig
	logger *slog.Logger
}

// NewRedisLock creates a Redis lock using an existing client.
func NewRedisLock(client redis.UniversalClient, cfg RedisLockConfig, logger *slog.Logger) *RedisLock {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLock{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis_lock"),
	}
}

// Acquire polls SET NX until the key is obtained or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := l.cfg.Prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.client, []string{fullKey}, token).Int()
			if err != nil {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
				return
			}
			if n == 0 {
				l.logger.Warn("lock expired before release", "key", key, "ttl", l.cfg.TTL)
			}
		})
	}, nil
}
