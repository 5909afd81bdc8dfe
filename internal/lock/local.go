package lock

import (
	"context"
	"sync"
	"time"
)

// localLocker is an in-process keyed mutex. It only protects writers that
// share the process, so it suits single-instance deployments and tests.
type localLocker struct {
	mu    sync.Mutex
	slots map[string]*keySlot
	ttl   time.Duration
	wait  time.Duration
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(ttl, wait time.Duration) Locker {
	return &localLocker{
		slots: make(map[string]*keySlot),
		ttl:   ttl,
		wait:  wait,
	}
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	slot := l.ref(key)
	defer l.unref(key)

	timer := time.NewTimer(time.Until(waitDeadline(ctx, l.wait)))
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		return ErrLockNotAcquired
	case <-timer.C:
		return ErrLockNotAcquired
	}
	defer func() { <-slot.ch }()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *localLocker) ref(key string) *keySlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *localLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
