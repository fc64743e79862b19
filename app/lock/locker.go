package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyHeld = errors.New("lock already held by this process")
	ErrNotAcquired = errors.New("lock not acquired")
	ErrLockLost    = errors.New("lock expired before release")
)

// MessageTTL bounds how long a single delivery or reconciliation may hold a message.
const MessageTTL = 2 * time.Minute

// Locker serializes work on a key across processes.
type Locker interface {
	// Acquire attempts to lock a key for the given TTL.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees the lock for the given key.
	Release(ctx context.Context, key string) error
}

// MessageKey is the lock key guarding status changes of one message.
func MessageKey(messageID string) string {
	return "notifications:email:" + messageID
}

// WithLock runs fn while holding key. Release uses a fresh context so a
// cancelled caller still frees the lock.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx, key, ttl); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := l.Release(releaseCtx, key); releaseErr != nil && err == nil && !errors.Is(releaseErr, ErrLockLost) {
			err = fmt.Errorf("release lock %s: %w", key, releaseErr)
		}
	}()
	return fn(ctx)
}
