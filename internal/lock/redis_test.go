package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 100*time.Millisecond)

	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:practitioner:a"))
		ttl := mr.TTL("lock:practitioner:a")
		assert.Equal(t, 5*time.Second, ttl)
		return nil
	})
	require.NoError(t, err)

	assert.False(t, mr.Exists("lock:practitioner:a"))
}

func TestRedisLocker_HeldKeyTimesOut(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 30*time.Millisecond)

	require.NoError(t, mr.Set("lock:practitioner:a", "someone-else"))

	called := false
	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)

	v, err := mr.Get("lock:practitioner:a")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, time.Second)

	require.NoError(t, mr.Set("lock:practitioner:a", "someone-else"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		mr.Del("lock:practitioner:a")
	}()

	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 100*time.Millisecond)

	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		// simulate lock expiry and takeover by another writer
		return mr.Set("lock:practitioner:a", "new-owner")
	})
	require.NoError(t, err)

	v, err := mr.Get("lock:practitioner:a")
	require.NoError(t, err)
	assert.Equal(t, "new-owner", v)
}

func TestRedisLocker_SerializesWriters(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 2*time.Second)

	var mu sync.Mutex
	inside := 0
	overlapped := false

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlapped = true
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped)
}

func TestRedisLocker_BackendFailure(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 100*time.Millisecond)
	mr.Close()

	called := false
	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		called = true
		return nil
	})

	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "acquire", backendErr.Op)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)
}

func TestRedisLocker_CriticalSectionEndsWithKey(t *testing.T) {
	mr, client := newTestRedis(t)
	ttl := 2 * time.Second
	l := NewRedisLocker(client, ttl, time.Second)

	require.NoError(t, mr.Set("lock:practitioner:a", "someone-else"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		mr.Del("lock:practitioner:a")
	}()

	before := time.Now()
	err := l.WithLock(context.Background(), "practitioner:a", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		entered := time.Now()

		// bounded by the winning SETNX, which happened before fn was entered
		assert.False(t, deadline.After(entered.Add(ttl)))
		assert.False(t, deadline.Before(before.Add(ttl)))
		return nil
	})
	require.NoError(t, err)
}
