// Package webhook delivers signed event notifications to tenant
// endpoints. Every delivery is persisted first, then dispatched with a
// fixed retry ladder; receivers deduplicate by event ID.
package webhook

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook: subscription not found")

// Service owns subscriptions and the persisted delivery log.
type Service struct {
	store *storage.Store
}

// NewService creates a webhook service over the given store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// CreateSubscription registers an endpoint. The signing secret is
// generated server side and returned on the subscription exactly once
// (the JSON tag hides it on later reads).
func (s *Service) CreateSubscription(ctx context.Context, tenantID, rawURL string, eventTypes []string) (*domain.WebhookSubscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.NewAPIError(domain.CodeInvalidPayload, "url must be absolute http(s)")
	}
	for _, et := range eventTypes {
		if !domain.ValidEventType(et) {
			return nil, domain.NewAPIError(domain.CodeInvalidPayload, "unknown event type").
				WithDetail("event_type", et)
		}
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("webhook: secret: %w", err)
	}

	sub := &domain.WebhookSubscription{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		URL:       rawURL,
		Events:    eventTypes,
		Secret:    hex.EncodeToString(secretBytes),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode events: %w", err)
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err = s.store.Exec(qctx, `
		INSERT INTO webhook_subscriptions (id, tenant_id, url, events, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.TenantID, sub.URL, string(eventsJSON), sub.Secret, sub.Active, sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("webhook: create subscription: %w", err)
	}
	logger.Info("webhook subscription created", "tenant_id", tenantID, "subscription_id", sub.ID)
	return sub, nil
}

// GetSubscription loads one subscription scoped to the tenant.
func (s *Service) GetSubscription(ctx context.Context, tenantID, id string) (*domain.WebhookSubscription, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, url, events, secret, active, created_at
		FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	sub, err := scanSubscriptionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// ListSubscriptions returns all of a tenant's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, tenantID string) ([]*domain.WebhookSubscription, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	rows, err := s.store.Query(qctx, `
		SELECT id, tenant_id, url, events, secret, active, created_at
		FROM webhook_subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("webhook: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription; pending deliveries to it
// are abandoned by the dispatcher when the lookup fails.
func (s *Service) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	res, err := s.store.Exec(qctx, `
		DELETE FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("webhook: delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fanout persists one pending delivery per matching subscription for an
// event. The dispatcher picks them up asynchronously.
func (s *Service) Fanout(ctx context.Context, ev *domain.Event) error {
	subs, err := s.ListSubscriptions(ctx, ev.TenantID)
	if err != nil {
		return err
	}

	var payload []byte
	for _, sub := range subs {
		if !sub.Wants(string(ev.Type)) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(map[string]any{
				"event_id":    ev.ID,
				"type":        ev.Type,
				"tenant_id":   ev.TenantID,
				"email_id":    ev.EmailID,
				"domain_id":   ev.DomainID,
				"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339),
				"metadata":    ev.Metadata,
			})
			if err != nil {
				return fmt.Errorf("webhook: encode payload: %w", err)
			}
		}
		if err := s.insertDelivery(ctx, sub, ev, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) insertDelivery(ctx context.Context, sub *domain.WebhookSubscription, ev *domain.Event, payload string) error {
	now := time.Now().UTC()
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err := s.store.Exec(qctx, `
		INSERT INTO webhook_deliveries
			(id, tenant_id, subscription_id, event_id, event_type, payload, attempts, next_retry_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
	`, uuid.New().String(), sub.TenantID, sub.ID, ev.ID, ev.Type, payload,
		now, domain.WebhookPending, now)
	if err != nil {
		return fmt.Errorf("webhook: insert delivery: %w", err)
	}
	return nil
}

// Consume drains the event bus into persisted deliveries until the
// channel closes.
func (s *Service) Consume(ctx context.Context, ch <-chan *domain.Event) {
	for ev := range ch {
		if err := s.Fanout(ctx, ev); err != nil {
			logger.Error("webhook fanout failed",
				"tenant_id", ev.TenantID,
				"event_id", ev.ID,
				"error", err.Error())
		}
	}
}

func scanSubscription(rows *sql.Rows) (*domain.WebhookSubscription, error) {
	var (
		sub        domain.WebhookSubscription
		eventsJSON string
	)
	if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &eventsJSON,
		&sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, fmt.Errorf("webhook: decode events: %w", err)
	}
	return &sub, nil
}

func scanSubscriptionRow(row *sql.Row) (*domain.WebhookSubscription, error) {
	var (
		sub        domain.WebhookSubscription
		eventsJSON string
	)
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &eventsJSON,
		&sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, fmt.Errorf("webhook: decode events: %w", err)
	}
	return &sub, nil
}
