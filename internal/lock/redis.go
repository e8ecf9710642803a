package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
	releaseTimeout   = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker is a SETNX lock with a per-holder token, released by compare-and-delete.
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    zerolog.Logger
}

// NewRedisLocker builds a redis lock. The TTL bounds how long a crashed holder blocks others.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if prefix == "" {
		prefix = "gema:lock"
	}

	return &RedisLocker{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		retryWait: defaultRetryWait,
		logger:    logger.With().Str("component", "redis_locker").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
	if err != nil {
		l.logger.Error().Err(err).Str("key", redisKey).Msg("failed to release lock")
		return
	}
	if deleted == 0 {
		l.logger.Warn().Str("key", redisKey).Msg("lock expired before release")
	}
}
