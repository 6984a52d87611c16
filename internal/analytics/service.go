// Package analytics records the per-tenant event log and maintains the
// hour/day roll-up counters behind the overview endpoint. Raw events are
// retained for a bounded window; roll-ups are kept indefinitely.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
)

// Service owns the analytics event log and roll-ups.
type Service struct {
	store *storage.Store
}

// NewService creates an analytics service over the given store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Record appends one event to the log.
func (s *Service) Record(ctx context.Context, ev *domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	meta := "{}"
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("analytics: encode metadata: %w", err)
		}
		meta = string(b)
	}

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()
	_, err := s.store.Exec(qctx, `
		INSERT INTO analytics_events (id, tenant_id, domain_id, email_id, type, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.TenantID, ev.DomainID, ev.EmailID, ev.Type, ev.OccurredAt, meta)
	if err != nil {
		return fmt.Errorf("analytics: record: %w", err)
	}
	return nil
}

// Consume drains the event bus into the log until the channel closes.
// Run as a goroutine; a write failure drops the event after logging.
func (s *Service) Consume(ctx context.Context, ch <-chan *domain.Event) {
	for ev := range ch {
		if err := s.Record(ctx, ev); err != nil {
			logger.Error("analytics event write failed",
				"tenant_id", ev.TenantID,
				"type", string(ev.Type),
				"error", err.Error())
		}
	}
}

// Rollup aggregates raw events into hour and day buckets for the window
// [since, until). Re-running over the same window is idempotent: counts
// are recomputed, not accumulated.
func (s *Service) Rollup(ctx context.Context, since, until time.Time) error {
	for _, bucket := range []domain.RollupBucket{domain.BucketHour, domain.BucketDay} {
		if err := s.rollupBucket(ctx, bucket, since, until); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rollupBucket(ctx context.Context, bucket domain.RollupBucket, since, until time.Time) error {
	trunc := time.Hour
	if bucket == domain.BucketDay {
		trunc = 24 * time.Hour
	}
	since = since.UTC().Truncate(trunc)

	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	rows, err := s.store.Query(qctx, `
		SELECT tenant_id, domain_id, type, occurred_at
		FROM analytics_events
		WHERE occurred_at >= $1 AND occurred_at < $2
	`, since, until.UTC())
	if err != nil {
		return fmt.Errorf("analytics: rollup scan: %w", err)
	}
	defer rows.Close()

	type key struct {
		tenant, domainID string
		typ              domain.EventType
		start            time.Time
	}
	counts := make(map[key]int64)
	for rows.Next() {
		var (
			tenantID, domainID string
			typ                domain.EventType
			at                 time.Time
		)
		if err := rows.Scan(&tenantID, &domainID, &typ, &at); err != nil {
			return err
		}
		counts[key{tenantID, domainID, typ, at.UTC().Truncate(trunc)}]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for k, n := range counts {
		if err := s.upsertRollup(qctx, &domain.Rollup{
			TenantID:    k.tenant,
			Bucket:      bucket,
			BucketStart: k.start,
			DomainID:    k.domainID,
			Type:        k.typ,
			Count:       n,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) upsertRollup(ctx context.Context, r *domain.Rollup) error {
	// Recompute semantics: the window's count replaces the stored value
	res, err := s.store.Exec(ctx, `
		UPDATE analytics_rollups SET count = $1
		WHERE tenant_id = $2 AND bucket = $3 AND bucket_start = $4 AND domain_id = $5 AND type = $6
	`, r.Count, r.TenantID, r.Bucket, r.BucketStart, r.DomainID, r.Type)
	if err != nil {
		return fmt.Errorf("analytics: upsert rollup: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.store.Exec(ctx, `
		INSERT INTO analytics_rollups (tenant_id, bucket, bucket_start, domain_id, type, count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`+s.store.Dialect.UpsertIgnore("tenant_id", "bucket", "bucket_start", "domain_id", "type"),
		r.TenantID, r.Bucket, r.BucketStart, r.DomainID, r.Type, r.Count)
	if err != nil {
		return fmt.Errorf("analytics: insert rollup: %w", err)
	}
	return nil
}

// Overview is the aggregate answer behind GET /analytics/overview.
type Overview struct {
	TenantID string               `json:"tenant_id"`
	From     time.Time            `json:"from"`
	To       time.Time            `json:"to"`
	Totals   map[string]int64     `json:"totals"`            // event type → count
	Domains  map[string]int64     `json:"domains,omitempty"` // domain_id → delivered count
	Rollups  []*domain.Rollup     `json:"rollups,omitempty"`
}

// Overview sums roll-ups for a tenant over [from, to) at the given
// granularity. domainID filters to one sending domain when non-empty.
func (s *Service) Overview(ctx context.Context, tenantID string, bucket domain.RollupBucket, from, to time.Time, domainID string) (*Overview, error) {
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	q := `
		SELECT tenant_id, bucket, bucket_start, domain_id, type, count
		FROM analytics_rollups
		WHERE tenant_id = $1 AND bucket = $2 AND bucket_start >= $3 AND bucket_start < $4`
	args := []any{tenantID, bucket, from.UTC(), to.UTC()}
	if domainID != "" {
		q += ` AND domain_id = $5`
		args = append(args, domainID)
	}
	q += ` ORDER BY bucket_start ASC`

	rows, err := s.store.Query(qctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: overview: %w", err)
	}
	defer rows.Close()

	ov := &Overview{
		TenantID: tenantID,
		From:     from.UTC(),
		To:       to.UTC(),
		Totals:   make(map[string]int64),
		Domains:  make(map[string]int64),
	}
	for rows.Next() {
		var r domain.Rollup
		if err := rows.Scan(&r.TenantID, &r.Bucket, &r.BucketStart, &r.DomainID, &r.Type, &r.Count); err != nil {
			return nil, err
		}
		ov.Rollups = append(ov.Rollups, &r)
		ov.Totals[string(r.Type)] += r.Count
		if r.Type == domain.EventDelivered && r.DomainID != "" {
			ov.Domains[r.DomainID] += r.Count
		}
	}
	return ov, rows.Err()
}

// SweepRaw deletes raw events older than the retention window. Roll-ups
// are unaffected.
func (s *Service) SweepRaw(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	qctx, cancel := s.store.Ctx(ctx)
	defer cancel()

	res, err := s.store.Exec(qctx, `
		DELETE FROM analytics_events WHERE occurred_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("analytics: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Info("raw analytics events swept", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
