// Package syncutil provides named critical sections keyed by string.
//
// A Locker serializes work on one key (an account, an order) without a global
// lock. The in-process KeyedMutex covers a single replica; RedisLocker extends
// the same contract across replicas.
package syncutil

import (
	"context"
	"errors"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context deadline.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker acquires an exclusive lock for a key. On success it returns an unlock
// function the caller must call exactly once.
type Locker interface {
	LockContext(ctx context.Context, key string) (unlock func(), err error)
}

// lockErr maps context errors to ErrLockTimeout while keeping the cause.
func lockErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrLockTimeout, err)
	}
	return err
}
