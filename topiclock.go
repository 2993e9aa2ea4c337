package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imeyer/flowbridge/flow"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 15 * time.Second
	defaultLockWait  = 5 * time.Second
	defaultLockRetry = 25 * time.Millisecond
	lockKeyPrefix    = "flowbridge:topic-lock:"
)

// releaseScript deletes the lock only while it still holds our token, so an
// expired lease taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a flow.Locker shared by every instance that talks to the
// same Redis. A lease expires after ttl if its holder dies.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

var _ flow.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger,
		ttl:    defaultLockTTL,
		wait:   defaultLockWait,
		retry:  defaultLockRetry,
	}
}

func newRedisClient(config *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
}

// Lock blocks until the topic lease is acquired, ctx ends, or the wait limit
// passes.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release topic lock",
					slog.String("key", redisKey), flow.Error(err))
			}
		})
	}
}
