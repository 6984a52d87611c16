package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/storage"
)

func testWorkerRetry() config.RetryConfig {
	return config.RetryConfig{BaseSeconds: 60, Factor: 2,
		MaxBackoffSeconds: 3600, MaxAttempts: 10, WallclockMaxSeconds: 48 * 3600}
}

func queueItemColumns() []string {
	return []string{"id", "tenant_id", "queue_name", "email_id", "payload", "status",
		"priority", "attempts", "run_at", "first_enqueued_at", "claimed_at",
		"worker_id", "last_error", "created_at"}
}

func TestWorkerPinnedToTenantClaimsOnlyItsNamespace(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// The claim query must carry the tenant filter with the pinned id.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM queue_items\s+WHERE queue_name = .+ AND tenant_id =`).
		WithArgs(queue.QueueDelivery, queue.StatusQueued, sqlmock.AnyArg(), "t1").
		WillReturnRows(sqlmock.NewRows(queueItemColumns()))
	mock.ExpectCommit()

	store := storage.New(db, storage.Postgres{})
	q := queue.New(store, testWorkerRetry())
	w := NewWorker(nil, q, config.DeliveryWorkerConfig{
		Concurrency: 4, BatchSize: 4, TenantID: "t1",
	})

	items, err := w.claim(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerRotatesPerTenantWithoutGlobalClaim(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT tenant_id, MIN\(run_at\)`).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "next_run"}).
			AddRow("t1", now).
			AddRow("t2", now))

	// One tenant-scoped claim per tenant; a global (filterless) claim
	// would leave these expectations unmet.
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM queue_items\s+WHERE queue_name = .+ AND tenant_id =`).
		WithArgs(queue.QueueDelivery, queue.StatusQueued, sqlmock.AnyArg(), "t1").
		WillReturnRows(sqlmock.NewRows(queueItemColumns()))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM queue_items\s+WHERE queue_name = .+ AND tenant_id =`).
		WithArgs(queue.QueueDelivery, queue.StatusQueued, sqlmock.AnyArg(), "t2").
		WillReturnRows(sqlmock.NewRows(queueItemColumns()))
	mock.ExpectCommit()

	store := storage.New(db, storage.Postgres{})
	q := queue.New(store, testWorkerRetry())
	w := NewWorker(nil, q, config.DeliveryWorkerConfig{Concurrency: 4, BatchSize: 4})

	items, err := w.claim(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}
