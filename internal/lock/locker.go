// Package lock serializes writes to a practitioner's calendar so that the
// availability check and the insert/update that follows it run as one unit.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockNotAcquired = errors.New("calendar lock not acquired")
)

// BackendError reports that the lock store itself failed, as opposed to the
// lock being held by someone else. The write never started, so callers may
// retry.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s calendar lock: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Locker runs fn while holding an exclusive lock on key.
// fn receives a context bounded by the lock lifetime.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// waitDeadline returns the earlier of ctx's deadline and now+wait.
func waitDeadline(ctx context.Context, wait time.Duration) time.Time {
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
