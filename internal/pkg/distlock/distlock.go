// Package distlock serializes scheduled jobs across server replicas.
// The backend is picked from what the deployment has: Redis when
// configured, Postgres advisory locks otherwise. SQLite deployments are
// single-file and effectively single-process, so without Redis they get
// an in-process lock.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking try-lock. A lock instance belongs to one
// goroutine; concurrent holders need separate instances.
type DistLock interface {
	// Acquire tries to take the lock and reports whether it got it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the backend. postgres says whether db speaks Postgres;
// advisory-lock functions do not exist on SQLite.
func NewLock(redisClient *redis.Client, db *sql.DB, postgres bool, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if postgres {
		return NewPGAdvisoryLock(db, key)
	}
	return NewLocalLock(key)
}

// PGAdvisoryLock holds a session-scoped pg_advisory lock. The session
// scope gives crash-safety: a dropped connection releases the lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a stable advisory lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire is non-blocking via pg_try_advisory_lock.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// localLocks is the process-wide mutex registry behind LocalLock.
var localLocks sync.Map // key → *sync.Mutex

// LocalLock serializes within one process. Used on SQLite-without-Redis
// deployments where the database itself admits only one process.
type LocalLock struct {
	mu   *sync.Mutex
	held bool
}

// NewLocalLock returns the in-process lock for key.
func NewLocalLock(key string) *LocalLock {
	v, _ := localLocks.LoadOrStore(key, &sync.Mutex{})
	return &LocalLock{mu: v.(*sync.Mutex)}
}

// Acquire is non-blocking.
func (l *LocalLock) Acquire(_ context.Context) (bool, error) {
	if l.mu.TryLock() {
		l.held = true
		return true, nil
	}
	return false, nil
}

// Release unlocks if this instance holds the lock.
func (l *LocalLock) Release(_ context.Context) error {
	if l.held {
		l.held = false
		l.mu.Unlock()
	}
	return nil
}
