// Package lockset provides a dedup.Locker shared across processes through Redis.
package lockset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockNotAcquired is returned by TryLock when another holder owns the key.
var ErrLockNotAcquired = errors.New("lock not acquired")

const (
	DefaultTTL    = 30 * time.Second
	keyPrefix     = "clearoid:lock:"
	releaseBudget = 5 * time.Second
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Client is the subset of go-redis the locker needs.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type RedisLocker struct {
	client Client
	ttl    time.Duration
	logger zerolog.Logger

	newBackOff func() backoff.BackOff
}

func NewRedisLocker(client Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		logger:     logger,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// Lock blocks until key is held or ctx ends. The lock expires after the
// configured TTL if the holder dies without releasing it.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redis locker is not initialized")
	}

	var unlock func()
	operation := func() error {
		release, err := l.TryLock(ctx, key)
		if err != nil {
			if errors.Is(err, ErrLockNotAcquired) {
				return err
			}
			return backoff.Permanent(err)
		}
		unlock = release
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(l.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}
	return unlock, nil
}

// TryLock makes one acquisition attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redis locker is not initialized")
	}

	name := keyPrefix + key
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %q: %w", key, err)
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(name, token) })
	}, nil
}

func (l *RedisLocker) release(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseBudget)
	defer cancel()

	deleted, err := l.client.Eval(ctx, releaseScript, []string{name}, token).Int64()
	if err != nil {
		l.logger.Warn().Err(err).Str("lock", name).Msg("release lock failed")
		return
	}
	if deleted == 0 {
		l.logger.Warn().Str("lock", name).Dur("ttl", l.ttl).Msg("lock expired before release")
	}
}
