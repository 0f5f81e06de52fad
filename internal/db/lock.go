package db

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker hands out session-level Postgres advisory locks. A lock
// holds one pooled connection until it is released.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// LockKey maps a scope name onto the advisory lock key space.
func LockKey(scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("open-connect"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(scope))))
	return int64(h.Sum64())
}

// TryLock takes the lock for scope without waiting. ok is false when another
// session holds it. unlock is safe to call more than once.
func (l *AdvisoryLocker) TryLock(ctx context.Context, scope string) (unlock func(), ok bool, err error) {
	if l == nil || l.pool == nil {
		return nil, false, errors.New("advisory locker is not configured")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, false, errors.New("lock scope is required")
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := LockKey(scope)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The lock dies with the session if the unlock fails.
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, true, nil
}
