// Package suppression maintains per-tenant suppression lists and answers
// the pre-enqueue "may we send to this address" question. Lookups are
// cached briefly; the list is authoritative in the database.
package suppression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// ErrNotFound is returned when no suppression exists for an address.
var ErrNotFound = errors.New("suppression: entry not found")

const cacheTTL = 30 * time.Second

// Service owns suppression list reads and writes.
type Service struct {
	store *storage.Store

	mu    sync.Mutex
	cache map[string]cacheEntry // tenantID + "\x00" + email → verdict
}

type cacheEntry struct {
	suppressed bool
	reason     domain.SuppressionReason
	at         time.Time
}

// NewService creates a suppression service over the given store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store, cache: make(map[string]cacheEntry)}
}

// NormalizeEmail lowercases and trims an address for list matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Check reports whether the address is suppressed for the tenant.
// Expired entries do not suppress.
func (s *Service) Check(ctx context.Context, tenantID, email string) (bool, domain.SuppressionReason, error) {
	email = NormalizeEmail(email)
	key := tenantID + "\x00" + email

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.at) < cacheTTL {
		s.mu.Unlock()
		return c.suppressed, c.reason, nil
	}
	s.mu.Unlock()

	entry, err := s.Get(ctx, tenantID, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, "", err
	}

	suppressed := entry != nil && !entry.Expired(time.Now().UTC())
	var reason domain.SuppressionReason
	if suppressed {
		reason = entry.Reason
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{suppressed: suppressed, reason: reason, at: time.Now()}
	s.mu.Unlock()

	return suppressed, reason, nil
}

// Get loads one suppression entry by (tenant, email).
func (s *Service) Get(ctx context.Context, tenantID, email string) (*domain.Suppression, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	row := s.store.QueryRow(qctx, `
		SELECT id, tenant_id, email, reason, source, smtp_code, detail, created_at, expires_at
		FROM suppressions
		WHERE tenant_id = $1 AND email = $2
	`, tenantID, NormalizeEmail(email))

	var sup domain.Suppression
	err := row.Scan(&sup.ID, &sup.TenantID, &sup.Email, &sup.Reason, &sup.Source,
		&sup.SMTPCode, &sup.Detail, &sup.CreatedAt, &sup.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("suppression: get: %w", err)
	}
	return &sup, nil
}

// Add records a suppression. A second signal for the same address updates
// reason, source, and expiry in place rather than erroring on the unique
// constraint.
func (s *Service) Add(ctx context.Context, sup *domain.Suppression) error {
	if sup.ID == "" {
		sup.ID = uuid.New().String()
	}
	sup.Email = NormalizeEmail(sup.Email)
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = time.Now().UTC()
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	err := s.store.Tx(qctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(qctx, s.store.Dialect.Rebind(`
			UPDATE suppressions
			SET reason = $1, source = $2, smtp_code = $3, detail = $4, expires_at = $5
			WHERE tenant_id = $6 AND email = $7
		`), sup.Reason, sup.Source, sup.SMTPCode, sup.Detail, sup.ExpiresAt, sup.TenantID, sup.Email)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(qctx, s.store.Dialect.Rebind(`
			INSERT INTO suppressions (id, tenant_id, email, reason, source, smtp_code, detail, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`), sup.ID, sup.TenantID, sup.Email, sup.Reason, sup.Source,
			sup.SMTPCode, sup.Detail, sup.CreatedAt, sup.ExpiresAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("suppression: add: %w", err)
	}

	s.invalidate(sup.TenantID, sup.Email)
	logger.Info("address suppressed",
		"tenant_id", sup.TenantID,
		"email", sup.Email,
		"reason", string(sup.Reason),
		"source", string(sup.Source))
	return nil
}

// Remove deletes an entry, re-enabling delivery to the address.
func (s *Service) Remove(ctx context.Context, tenantID, email string) error {
	email = NormalizeEmail(email)
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	res, err := s.store.Exec(qctx, `
		DELETE FROM suppressions WHERE tenant_id = $1 AND email = $2
	`, tenantID, email)
	if err != nil {
		return fmt.Errorf("suppression: remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.invalidate(tenantID, email)
	return nil
}

// List pages a tenant's suppressions, newest first. reason filters when
// non-empty.
func (s *Service) List(ctx context.Context, tenantID string, reason domain.SuppressionReason, limit, offset int) ([]*domain.Suppression, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	q := `
		SELECT id, tenant_id, email, reason, source, smtp_code, detail, created_at, expires_at
		FROM suppressions
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if reason != "" {
		q += ` AND reason = $2`
		args = append(args, reason)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.store.Query(qctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("suppression: list: %w", err)
	}
	defer rows.Close()

	var out []*domain.Suppression
	for rows.Next() {
		var sup domain.Suppression
		if err := rows.Scan(&sup.ID, &sup.TenantID, &sup.Email, &sup.Reason, &sup.Source,
			&sup.SMTPCode, &sup.Detail, &sup.CreatedAt, &sup.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &sup)
	}
	return out, rows.Err()
}

// PurgeExpired deletes entries whose expiry has passed. Run from the
// maintenance cron.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	res, err := s.store.Exec(qctx, `
		DELETE FROM suppressions WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("suppression: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Info("expired suppressions purged", "count", n)
	}
	return n, nil
}

func (s *Service) invalidate(tenantID, email string) {
	s.mu.Lock()
	delete(s.cache, tenantID+"\x00"+NormalizeEmail(email))
	s.mu.Unlock()
}
