package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
)

// Worker polls the delivery queue and runs claimed items through the
// pipeline with bounded concurrency. Shutdown is two-phase: claiming
// stops immediately, in-flight deliveries get the drain timeout to
// finish before their claims are abandoned for stale recovery.
type Worker struct {
	pipeline *Pipeline
	queue    *queue.Queue
	cfg      config.DeliveryWorkerConfig
	workerID string

	wg       sync.WaitGroup
	inflight chan struct{}
}

// NewWorker creates a delivery worker.
func NewWorker(p *Pipeline, q *queue.Queue, cfg config.DeliveryWorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 500
	}
	host, _ := os.Hostname()
	return &Worker{
		pipeline: p,
		queue:    q,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		inflight: make(chan struct{}, cfg.Concurrency),
	}
}

// Run polls until ctx is cancelled, then drains.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("delivery worker started",
		"worker_id", w.workerID,
		"concurrency", w.cfg.Concurrency)

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case <-ticker.C:
			if err := w.poll(ctx); err != nil && ctx.Err() == nil {
				logger.Error("delivery poll failed", "error", err.Error())
			}
		}
	}
}

// poll claims due work one tenant namespace at a time: either the
// configured tenant pin, or a rotation over every tenant that has
// runnable items. No claim spans tenants.
func (w *Worker) poll(ctx context.Context) error {
	free := w.cfg.Concurrency - len(w.inflight)
	if free <= 0 {
		return nil
	}
	limit := w.cfg.BatchSize
	if limit > free {
		limit = free
	}

	items, err := w.claim(ctx, limit)
	if err != nil {
		return err
	}
	for _, item := range items {
		w.inflight <- struct{}{}
		w.wg.Add(1)
		go func(item *queue.Item) {
			defer w.wg.Done()
			defer func() { <-w.inflight }()
			// Detached from the poll context so an in-flight SMTP
			// conversation survives shutdown until the drain deadline
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := w.pipeline.Process(dctx, item); err != nil {
				logger.Error("delivery processing failed",
					"item_id", item.ID,
					"email_id", item.EmailID,
					"error", err.Error())
			}
		}(item)
	}
	return nil
}

func (w *Worker) claim(ctx context.Context, limit int) ([]*queue.Item, error) {
	if w.cfg.TenantID != "" {
		return w.queue.Claim(ctx, w.cfg.TenantID, queue.QueueDelivery, w.workerID, limit)
	}

	tenants, err := w.queue.TenantsWithWork(ctx, queue.QueueDelivery, limit)
	if err != nil || len(tenants) == 0 {
		return nil, err
	}

	// Fair share per tenant so one backlogged tenant cannot starve the
	// rest of this poll cycle.
	share := limit / len(tenants)
	if share < 1 {
		share = 1
	}
	var items []*queue.Item
	for _, tenantID := range tenants {
		remaining := limit - len(items)
		if remaining <= 0 {
			break
		}
		if remaining > share {
			remaining = share
		}
		claimed, err := w.queue.Claim(ctx, tenantID, queue.QueueDelivery, w.workerID, remaining)
		if err != nil {
			return items, err
		}
		items = append(items, claimed...)
	}
	return items, nil
}

// drain waits for in-flight deliveries up to the drain timeout.
// Anything still running is abandoned; stale claim recovery requeues it.
func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("delivery worker drained", "worker_id", w.workerID)
		return nil
	case <-time.After(w.cfg.DrainTimeout()):
		logger.Warn("delivery worker drain timed out",
			"worker_id", w.workerID,
			"inflight", len(w.inflight))
		return nil
	}
}
