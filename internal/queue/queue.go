// Package queue is the durable work queue backing delivery and webhook
// fanout. Items survive restarts; claims are tenant-namespaced so one
// tenant's backlog never starves another. On PostgreSQL claims use
// FOR UPDATE SKIP LOCKED; on SQLite a compare-and-claim UPDATE.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// Status values for queue items.
const (
	StatusQueued     = "queued"
	StatusClaimed    = "claimed"
	StatusDone       = "done"
	StatusDeadLetter = "dead_letter"
)

// Queue names.
const (
	QueueDelivery = "delivery"
	QueueWebhook  = "webhook"
)

// ErrExhausted is returned by Retry when an item has used up its attempt
// or wall-clock budget and was moved to the dead letter state.
var ErrExhausted = errors.New("queue: retry budget exhausted")

// Item is one unit of durable work.
type Item struct {
	ID              string
	TenantID        string
	QueueName       string
	EmailID         string
	Payload         string
	Status          string
	Priority        int
	Attempts        int
	RunAt           time.Time
	FirstEnqueuedAt time.Time
	ClaimedAt       *time.Time
	WorkerID        *string
	LastError       string
	CreatedAt       time.Time
}

// Queue persists and claims items.
type Queue struct {
	store *storage.Store
	retry config.RetryConfig
}

// New creates a queue over the given store with the retry policy.
func New(store *storage.Store, retry config.RetryConfig) *Queue {
	return &Queue{store: store, retry: retry}
}

// Enqueue inserts a new item runnable at runAt.
func (q *Queue) Enqueue(ctx context.Context, tenantID, queueName, emailID, payload string, priority int, runAt time.Time) (*Item, error) {
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	item := &Item{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		QueueName:       queueName,
		EmailID:         emailID,
		Payload:         payload,
		Status:          StatusQueued,
		Priority:        priority,
		RunAt:           runAt.UTC(),
		FirstEnqueuedAt: now,
		CreatedAt:       now,
	}

	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()
	_, err := q.store.Exec(qctx, `
		INSERT INTO queue_items
			(id, tenant_id, queue_name, email_id, payload, status, priority, attempts, run_at, first_enqueued_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
	`, item.ID, item.TenantID, item.QueueName, item.EmailID, item.Payload,
		item.Status, item.Priority, item.RunAt, item.FirstEnqueuedAt, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return item, nil
}

// Claim atomically takes up to limit due items from a queue for a
// worker. tenantID narrows the claim to one tenant's namespace; empty
// claims across all tenants (single-process deployments).
func (q *Queue) Claim(ctx context.Context, tenantID, queueName, workerID string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 1
	}
	if q.store.Dialect.SkipLocked() {
		return q.claimSkipLocked(ctx, tenantID, queueName, workerID, limit)
	}
	return q.claimCompareAndSet(ctx, tenantID, queueName, workerID, limit)
}

func (q *Queue) claimSkipLocked(ctx context.Context, tenantID, queueName, workerID string, limit int) ([]*Item, error) {
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()

	var items []*Item
	err := q.store.Tx(qctx, func(tx *sql.Tx) error {
		query := `
			SELECT id, tenant_id, queue_name, email_id, payload, status, priority, attempts,
			       run_at, first_enqueued_at, claimed_at, worker_id, last_error, created_at
			FROM queue_items
			WHERE queue_name = $1 AND status = $2 AND run_at <= $3`
		args := []any{queueName, StatusQueued, time.Now().UTC()}
		if tenantID != "" {
			query += ` AND tenant_id = $4`
			args = append(args, tenantID)
		}
		query += fmt.Sprintf(` ORDER BY priority DESC, run_at ASC LIMIT %d FOR UPDATE SKIP LOCKED`, limit)

		rows, err := tx.QueryContext(qctx, q.store.Dialect.Rebind(query), args...)
		if err != nil {
			return err
		}
		items, err = scanItems(rows)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		now := time.Now().UTC()
		for _, it := range items {
			if _, err := tx.ExecContext(qctx, q.store.Dialect.Rebind(`
				UPDATE queue_items SET status = $1, claimed_at = $2, worker_id = $3
				WHERE id = $4
			`), StatusClaimed, now, workerID, it.ID); err != nil {
				return err
			}
			it.Status = StatusClaimed
			it.ClaimedAt = &now
			it.WorkerID = &workerID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return items, nil
}

// claimCompareAndSet claims one row at a time guarded by the status in
// the WHERE clause, so two workers can never take the same row.
func (q *Queue) claimCompareAndSet(ctx context.Context, tenantID, queueName, workerID string, limit int) ([]*Item, error) {
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()

	var items []*Item
	for len(items) < limit {
		query := `
			SELECT id, tenant_id, queue_name, email_id, payload, status, priority, attempts,
			       run_at, first_enqueued_at, claimed_at, worker_id, last_error, created_at
			FROM queue_items
			WHERE queue_name = $1 AND status = $2 AND run_at <= $3`
		args := []any{queueName, StatusQueued, time.Now().UTC()}
		if tenantID != "" {
			query += ` AND tenant_id = $4`
			args = append(args, tenantID)
		}
		query += ` ORDER BY priority DESC, run_at ASC LIMIT 1`

		rows, err := q.store.Query(qctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		candidates, err := scanItems(rows)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}
		it := candidates[0]

		now := time.Now().UTC()
		res, err := q.store.Exec(qctx, `
			UPDATE queue_items SET status = $1, claimed_at = $2, worker_id = $3
			WHERE id = $4 AND status = $5
		`, StatusClaimed, now, workerID, it.ID, StatusQueued)
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race; try the next candidate
			continue
		}
		it.Status = StatusClaimed
		it.ClaimedAt = &now
		it.WorkerID = &workerID
		items = append(items, it)
	}
	return items, nil
}

// Complete marks a claimed item finished.
func (q *Queue) Complete(ctx context.Context, itemID string) error {
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()
	_, err := q.store.Exec(qctx, `
		UPDATE queue_items SET status = $1 WHERE id = $2
	`, StatusDone, itemID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return nil
}

// Retry reschedules a failed item with exponential backoff and jitter.
// When the attempt count or the wall-clock budget is exhausted it moves
// the item to the dead letter state and returns ErrExhausted.
func (q *Queue) Retry(ctx context.Context, item *Item, cause string) error {
	attempts := item.Attempts + 1
	now := time.Now().UTC()

	exhausted := attempts >= q.retry.MaxAttempts ||
		now.Sub(item.FirstEnqueuedAt) >= q.retry.WallclockMax()

	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()

	if exhausted {
		_, err := q.store.Exec(qctx, `
			UPDATE queue_items
			SET status = $1, attempts = $2, last_error = $3, claimed_at = NULL, worker_id = NULL
			WHERE id = $4
		`, StatusDeadLetter, attempts, cause, item.ID)
		if err != nil {
			return fmt.Errorf("queue: dead letter: %w", err)
		}
		logger.Warn("queue item dead lettered",
			"tenant_id", item.TenantID,
			"queue", item.QueueName,
			"item_id", item.ID,
			"attempts", attempts)
		return ErrExhausted
	}

	runAt := now.Add(q.Backoff(attempts))
	_, err := q.store.Exec(qctx, `
		UPDATE queue_items
		SET status = $1, attempts = $2, run_at = $3, last_error = $4, claimed_at = NULL, worker_id = NULL
		WHERE id = $5
	`, StatusQueued, attempts, runAt, cause, item.ID)
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	item.Attempts = attempts
	item.RunAt = runAt
	return nil
}

// Backoff computes the delay before the Nth retry (1-based):
// min(max, base*factor^N) with ±20% jitter.
func (q *Queue) Backoff(attempt int) time.Duration {
	max := q.retry.MaxBackoff()

	d := float64(q.retry.Base())
	for i := 0; i < attempt && d < float64(max); i++ {
		d *= q.retry.Factor
	}
	if d > float64(max) {
		d = float64(max)
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(d * jitter)
}

// RecoverStale requeues items claimed longer than the threshold ago,
// covering workers that died mid-flight. Runs from the maintenance cron.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()

	res, err := q.store.Exec(qctx, `
		UPDATE queue_items
		SET status = $1, claimed_at = NULL, worker_id = NULL
		WHERE status = $2 AND claimed_at <= $3
	`, StatusQueued, StatusClaimed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Warn("stale queue claims recovered", "count", n)
	}
	return n, nil
}

// TenantsWithWork returns the tenants that currently have runnable
// items in a queue, oldest work first. Workers use it to rotate their
// per-tenant claims.
func (q *Queue) TenantsWithWork(ctx context.Context, queueName string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()
	rows, err := q.store.Query(qctx, fmt.Sprintf(`
		SELECT tenant_id, MIN(run_at) AS next_run
		FROM queue_items
		WHERE queue_name = $1 AND status = $2 AND run_at <= $3
		GROUP BY tenant_id ORDER BY next_run ASC LIMIT %d
	`, limit), queueName, StatusQueued, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("queue: tenants with work: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		var nextRun time.Time
		if err := rows.Scan(&tenantID, &nextRun); err != nil {
			return nil, err
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}

// Depth reports the number of runnable items per queue, for metrics.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	qctx, cancel := q.store.Ctx(ctx)
	defer cancel()
	var n int64
	err := q.store.QueryRow(qctx, `
		SELECT COUNT(*) FROM queue_items WHERE queue_name = $1 AND status = $2
	`, queueName, StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.TenantID, &it.QueueName, &it.EmailID, &it.Payload,
			&it.Status, &it.Priority, &it.Attempts, &it.RunAt, &it.FirstEnqueuedAt,
			&it.ClaimedAt, &it.WorkerID, &it.LastError, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}
