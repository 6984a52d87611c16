package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/httpretry"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// retryLadder is the schedule of delays between delivery attempts. The
// first attempt is immediate; after the ladder is exhausted the delivery
// is marked permanently failed.
var retryLadder = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// Dispatcher posts pending deliveries to their endpoints.
type Dispatcher struct {
	store           *storage.Store
	svc             *Service
	client          httpretry.HTTPDoer
	signatureHeader string
	timeout         time.Duration
}

// NewDispatcher creates a dispatcher. client may be any HTTPDoer; nil
// uses an httpretry client over the given timeout. Transport-level
// failures are retried within the attempt; HTTP status outcomes are
// never retried in-request, the persisted ladder owns those.
func NewDispatcher(store *storage.Store, svc *Service, client httpretry.HTTPDoer, signatureHeader string, timeout time.Duration) *Dispatcher {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2)
	}
	if signatureHeader == "" {
		signatureHeader = "X-UZ-Signature"
	}
	return &Dispatcher{
		store:           store,
		svc:             svc,
		client:          client,
		signatureHeader: signatureHeader,
		timeout:         timeout,
	}
}

// Run polls for due deliveries until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration, batchSize int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.DispatchDue(ctx, batchSize); err != nil {
				logger.Error("webhook dispatch cycle failed", "error", err.Error())
			} else if n > 0 {
				logger.Debug("webhook deliveries dispatched", "count", n)
			}
		}
	}
}

// DispatchDue attempts up to limit due deliveries and returns how many
// were attempted.
func (d *Dispatcher) DispatchDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	deliveries, err := d.claimDue(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, del := range deliveries {
		d.attempt(ctx, del)
	}
	return len(deliveries), nil
}

func (d *Dispatcher) claimDue(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error) {
	qctx, cancel := d.store.Ctx(ctx)
	defer cancel()

	rows, err := d.store.Query(qctx, fmt.Sprintf(`
		SELECT id, tenant_id, subscription_id, event_id, event_type, payload,
		       attempts, next_retry_at, last_status_code, status, created_at
		FROM webhook_deliveries
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT %d`, limit), domain.WebhookPending, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("webhook: claim due: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookDelivery
	for rows.Next() {
		var del domain.WebhookDelivery
		if err := rows.Scan(&del.ID, &del.TenantID, &del.SubscriptionID, &del.EventID,
			&del.EventType, &del.Payload, &del.Attempts, &del.NextRetryAt,
			&del.LastStatusCode, &del.Status, &del.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &del)
	}
	return out, rows.Err()
}

func (d *Dispatcher) attempt(ctx context.Context, del *domain.WebhookDelivery) {
	sub, err := d.svc.GetSubscription(ctx, del.TenantID, del.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// Subscription deleted after fanout; nothing left to deliver to
		d.finish(ctx, del, 0, domain.WebhookFailed)
		return
	}
	if err != nil {
		logger.Error("webhook subscription load failed", "delivery_id", del.ID, "error", err.Error())
		return
	}

	code, err := d.post(ctx, sub, del)
	if err == nil && code >= 200 && code < 300 {
		d.finish(ctx, del, code, domain.WebhookDelivered)
		return
	}
	if err != nil {
		logger.Warn("webhook post failed",
			"tenant_id", del.TenantID,
			"delivery_id", del.ID,
			"attempt", del.Attempts+1,
			"error", err.Error())
	}
	d.reschedule(ctx, del, code)
}

func (d *Dispatcher) post(ctx context.Context, sub *domain.WebhookSubscription, del *domain.WebhookDelivery) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body := []byte(del.Payload)
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ultrazend-webhooks/1.0")
	req.Header.Set("X-UZ-Event", del.EventType)
	req.Header.Set("X-UZ-Delivery", del.ID)
	req.Header.Set(d.signatureHeader, Sign(sub.Secret, time.Now(), body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) reschedule(ctx context.Context, del *domain.WebhookDelivery, code int) {
	attempts := del.Attempts + 1
	if attempts >= len(retryLadder) {
		d.finish(ctx, del, code, domain.WebhookFailed)
		logger.Warn("webhook delivery failed permanently",
			"tenant_id", del.TenantID,
			"delivery_id", del.ID,
			"attempts", attempts)
		return
	}

	next := time.Now().UTC().Add(retryLadder[attempts])
	qctx, cancel := d.store.Ctx(ctx)
	defer cancel()
	_, err := d.store.Exec(qctx, `
		UPDATE webhook_deliveries
		SET attempts = $1, next_retry_at = $2, last_status_code = $3
		WHERE id = $4
	`, attempts, next, code, del.ID)
	if err != nil {
		logger.Error("webhook reschedule failed", "delivery_id", del.ID, "error", err.Error())
	}
}

func (d *Dispatcher) finish(ctx context.Context, del *domain.WebhookDelivery, code int, status domain.WebhookDeliveryStatus) {
	qctx, cancel := d.store.Ctx(ctx)
	defer cancel()
	_, err := d.store.Exec(qctx, `
		UPDATE webhook_deliveries
		SET attempts = $1, last_status_code = $2, status = $3, next_retry_at = NULL
		WHERE id = $4
	`, del.Attempts+1, code, status, del.ID)
	if err != nil {
		logger.Error("webhook finish failed", "delivery_id", del.ID, "error", err.Error())
	}
}

// Test sends a synthetic signed event to a subscription right away and
// returns the endpoint's status code. Backs the "send test event" API.
func (d *Dispatcher) Test(ctx context.Context, sub *domain.WebhookSubscription) (int, error) {
	payload := fmt.Sprintf(`{"event_id":"test","type":"test","tenant_id":%q,"occurred_at":%q}`,
		sub.TenantID, time.Now().UTC().Format(time.RFC3339))
	del := &domain.WebhookDelivery{
		ID:        uuid.New().String(),
		TenantID:  sub.TenantID,
		EventType: "test",
		Payload:   payload,
	}
	return d.post(ctx, sub, del)
}
