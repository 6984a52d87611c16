package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockWithoutRedisOnSQLiteIsLocal(t *testing.T) {
	// A SQLite deployment has no Redis and no advisory-lock functions;
	// the lock must not touch the database at all.
	lock := NewLock(nil, nil, false, "cron:rollup", time.Minute)
	_, isLocal := lock.(*LocalLock)
	require.True(t, isLocal)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
}

func TestNewLockWithoutRedisOnPostgresIsAdvisory(t *testing.T) {
	lock := NewLock(nil, nil, true, "cron:rollup", time.Minute)
	_, isPG := lock.(*PGAdvisoryLock)
	assert.True(t, isPG)
}

func TestLocalLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	a := NewLocalLock("cron:sweep")
	b := NewLocalLock("cron:sweep")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestLocalLockKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := NewLocalLock("cron:job-a")
	b := NewLocalLock("cron:job-b")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Release(ctx)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestRedisLockOwnershipGuardsRelease(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client, "cron:verify", time.Minute)
	b := NewRedisLock(client, "cron:verify", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-holder's release must not free the lock.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
