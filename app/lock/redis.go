package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocker constructs a Redis-based lock manager.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client: client,
		tokens: make(map[string]string),
	}
}

// Acquire sets the key with a fresh ownership token if nobody holds it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	token := uuid.NewString()

	l.mu.Lock()
	if _, exists := l.tokens[key]; exists {
		l.mu.Unlock()
		return ErrAlreadyHeld
	}
	l.tokens[key] = token
	l.mu.Unlock()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		l.forget(key)
		if err != nil {
			return fmt.Errorf("redis setnx: %w", err)
		}
		return ErrNotAcquired
	}
	return nil
}

// Release deletes the key if this process still owns it. ErrLockLost means
// the TTL ran out and another owner may have taken over.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	token, ok := l.forget(key)
	if !ok {
		return nil
	}

	deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if deleted == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *RedisLocker) forget(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	return token, ok
}
