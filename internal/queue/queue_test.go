package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/storage"
)

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		BaseSeconds:         60,
		Factor:              2,
		MaxBackoffSeconds:   int((12 * time.Hour).Seconds()),
		MaxAttempts:         10,
		WallclockMaxSeconds: int((48 * time.Hour).Seconds()),
	}
}

func itemColumns() []string {
	return []string{"id", "tenant_id", "queue_name", "email_id", "payload", "status",
		"priority", "attempts", "run_at", "first_enqueued_at", "claimed_at",
		"worker_id", "last_error", "created_at"}
}

func TestBackoffSchedule(t *testing.T) {
	q := New(nil, testRetry())

	// min(max, base*factor^N) with ±20% jitter; first retry lands in
	// [96s, 144s] with base=60s, factor=2
	cases := []struct {
		attempt int
		nominal time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{9, 512 * time.Minute},
		{20, 12 * time.Hour}, // capped
	}
	for _, c := range cases {
		for i := 0; i < 20; i++ {
			d := q.Backoff(c.attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0.8*float64(c.nominal)),
				"attempt %d", c.attempt)
			assert.LessOrEqual(t, d, time.Duration(1.2*float64(c.nominal))+time.Millisecond,
				"attempt %d", c.attempt)
		}
	}
}

func TestEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO queue_items").
		WillReturnResult(sqlmock.NewResult(1, 1))

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	item, err := q.Enqueue(context.Background(), "t1", QueueDelivery, "e1", `{"k":"v"}`, 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, item.Status)
	assert.NotEmpty(t, item.ID)
	assert.False(t, item.RunAt.IsZero())
}

func TestClaimSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow("i1", "t1", "delivery", "e1", "{}", "queued",
				0, 0, now, now, nil, nil, "", now))
	mock.ExpectExec("UPDATE queue_items SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	items, err := q.Claim(context.Background(), "t1", QueueDelivery, "w1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, StatusClaimed, items[0].Status)
	require.NotNil(t, items[0].WorkerID)
	assert.Equal(t, "w1", *items[0].WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimCompareAndSetRetriesOnRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	// First candidate is stolen by another worker (0 rows updated)
	mock.ExpectQuery("FROM queue_items").
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow("i1", "t1", "delivery", "e1", "{}", "queued",
				0, 0, now, now, nil, nil, "", now))
	mock.ExpectExec("UPDATE queue_items SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Second candidate claims cleanly
	mock.ExpectQuery("FROM queue_items").
		WillReturnRows(sqlmock.NewRows(itemColumns()).
			AddRow("i2", "t1", "delivery", "e2", "{}", "queued",
				0, 0, now, now, nil, nil, "", now))
	mock.ExpectExec("UPDATE queue_items SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No more candidates
	mock.ExpectQuery("FROM queue_items").
		WillReturnRows(sqlmock.NewRows(itemColumns()))

	q := New(storage.New(db, storage.SQLite{}), testRetry())
	items, err := q.Claim(context.Background(), "t1", QueueDelivery, "w1", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "i2", items[0].ID)
}

func TestRetryReschedules(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	item := &Item{
		ID: "i1", TenantID: "t1", QueueName: QueueDelivery,
		Attempts: 0, FirstEnqueuedAt: time.Now().UTC(),
	}
	err = q.Retry(context.Background(), item, "451 busy")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, item.RunAt.After(time.Now().UTC().Add(40*time.Second)))
}

func TestRetryDeadLettersOnMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	item := &Item{
		ID: "i1", TenantID: "t1", QueueName: QueueDelivery,
		Attempts: 9, FirstEnqueuedAt: time.Now().UTC(),
	}
	err = q.Retry(context.Background(), item, "451 still busy")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRetryDeadLettersOnWallclock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	item := &Item{
		ID: "i1", TenantID: "t1", QueueName: QueueDelivery,
		Attempts: 2, FirstEnqueuedAt: time.Now().UTC().Add(-49 * time.Hour),
	}
	err = q.Retry(context.Background(), item, "451 busy")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRecoverStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 3))

	q := New(storage.New(db, storage.Postgres{}), testRetry())
	n, err := q.RecoverStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
