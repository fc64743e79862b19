package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MySQLLocker uses named advisory locks. A lock lives as long as the
// connection it was taken on, so the TTL is only used as the wait timeout.
type MySQLLocker struct {
	db    *sql.DB
	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewMySQLLocker constructs a MySQL-based advisory lock manager.
func NewMySQLLocker(db *sql.DB) *MySQLLocker {
	return &MySQLLocker{
		db:    db,
		conns: make(map[string]*sql.Conn),
	}
}

// Acquire runs GET_LOCK on a dedicated connection and keeps it open until Release.
func (l *MySQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	_, exists := l.conns[key]
	l.mu.Unlock()
	if exists {
		return ErrAlreadyHeld
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("mysql lock conn: %w", err)
	}

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, waitSeconds(ttl)).Scan(&acquired); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mysql get_lock: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return ErrNotAcquired
	}

	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	return nil
}

// Release runs RELEASE_LOCK and returns the connection to the pool.
func (l *MySQLLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", key).Scan(&released); err != nil {
		return fmt.Errorf("mysql release_lock: %w", err)
	}
	if !released.Valid || released.Int64 != 1 {
		return ErrLockLost
	}
	return nil
}

func waitSeconds(ttl time.Duration) int {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
