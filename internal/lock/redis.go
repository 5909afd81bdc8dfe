package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = 100 * time.Millisecond
)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a locker backed by one Redis key per lock name.
// Contenders poll with exponential backoff for at most wait before giving up
// with ErrLockNotAcquired.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := "lock:" + key
	token := uuid.NewString()

	acquiredAt, err := l.acquire(ctx, redisKey, token)
	if err != nil {
		return err
	}

	defer func() {
		// release must run even when the caller's context is already done
		_ = l.release(context.WithoutCancel(ctx), redisKey, token)
	}()

	// the key expires ttl after the SETNX that won, not after acquire returned
	lockCtx, cancel := context.WithDeadline(ctx, acquiredAt.Add(l.ttl))
	defer cancel()

	return fn(lockCtx)
}

// acquire returns the time taken just before the winning SETNX.
func (l *redisLocker) acquire(ctx context.Context, key, token string) (time.Time, error) {
	deadline := waitDeadline(ctx, l.wait)
	delay := minRetryDelay

	for {
		attemptedAt := time.Now()
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return time.Time{}, ErrLockNotAcquired
			}
			return time.Time{}, &BackendError{Op: "acquire", Err: err}
		}
		if ok {
			return attemptedAt, nil
		}

		if time.Now().Add(delay).After(deadline) {
			return time.Time{}, ErrLockNotAcquired
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ErrLockNotAcquired
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return &BackendError{Op: "release", Err: err}
	}
	return nil
}
