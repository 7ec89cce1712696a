package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix        = "identify:lock:"
	defaultLockTTL       = 5 * time.Second
	defaultRetryInterval = 25 * time.Millisecond
	releaseTimeout       = time.Second
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes keys across service instances with SET NX PX locks.
// A lock expires after its TTL even if the holder never releases it.
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	wait          time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// RedisLockerOption configures a RedisLocker instance.
type RedisLockerOption func(*RedisLocker)

// WithTTL sets how long a lock survives without release.
func WithTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithWait sets how long Lock keeps retrying when the context has no deadline.
func WithWait(wait time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if wait > 0 {
			l.wait = wait
		}
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLogger sets the logger used to report failed releases.
func WithLogger(logger *slog.Logger) RedisLockerOption {
	return func(l *RedisLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisLocker constructs a Redis-backed locker.
func NewRedisLocker(client *redis.Client, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		ttl:           defaultLockTTL,
		wait:          DefaultWait,
		retryInterval: defaultRetryInterval,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock acquires every key in sorted order under one token.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	ctx, cancel := withWait(ctx, l.wait)
	defer cancel()

	token := uuid.NewString()
	var held []string
	for _, k := range normalizeKeys(keys) {
		key := lockKeyPrefix + k
		if err := l.acquire(ctx, key, token); err != nil {
			l.release(held, token)
			return nil, err
		}
		held = append(held, key)
	}
	return func() { l.release(held, token) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}

// release runs on its own context; the request context may already be done
func (l *RedisLocker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, key := range keys {
		deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			l.logger.Warn("failed to release lock", "key", key, "error", err)
			continue
		}
		if deleted == 0 {
			// another caller may have entered the critical section
			l.logger.Warn("lock expired before release", "key", key, "ttl", l.ttl)
		}
	}
}

// ConnectRedis parses url, connects and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
