// Command server runs the HTTP API and the platform's scheduled
// maintenance: analytics roll-ups, retention sweeps, stale claim
// recovery, suppression expiry, and domain verification polling.
// Scheduled jobs take a distributed lock so multi-replica deployments
// run each job once.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ultrazend/ultrazend/internal/analytics"
	"github.com/ultrazend/ultrazend/internal/api"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/events"
	"github.com/ultrazend/ultrazend/internal/metrics"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/distlock"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/registry"
	"github.com/ultrazend/ultrazend/internal/storage"
	"github.com/ultrazend/ultrazend/internal/suppression"
	"github.com/ultrazend/ultrazend/internal/templates"
	"github.com/ultrazend/ultrazend/internal/tenant"
	"github.com/ultrazend/ultrazend/internal/webhook"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DB)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisClient := openRedis(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	keys := dkim.NewKeyStore(store, cfg.DKIM.FallbackDomain)
	if err := keys.EnsureFallbackKey(ctx); err != nil {
		log.Fatalf("dkim fallback key: %v", err)
	}
	signer := dkim.NewSigner(keys)
	resolver := dnsx.NewClient(cfg.DNS.Timeout())

	tenants := tenant.NewService(store)
	reg := registry.NewService(store, resolver, keys)
	sup := suppression.NewService(store)
	tmpl := templates.NewService(store)
	hooks := webhook.NewService(store)
	stats := analytics.NewService(store)
	emails := pipeline.NewEmailStore(store)
	q := queue.New(store, cfg.Retry)
	bus := events.NewBus()
	defer bus.Close()

	var limiter pipeline.SendLimiter
	var idem *pipeline.Idempotency
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, cfg.RateLimits)
		idem = pipeline.NewIdempotency(redisClient)
	}

	// The API process only accepts and enqueues; delivery runs in the
	// worker binary, so no transport here.
	pipe := pipeline.New(emails, q, sup, limiter, tmpl, reg, signer, nil,
		bus, idem, cfg.Hostname)
	pipe.SetMaxMessageBytes(cfg.Server.MaxMessageBytes)

	go stats.Consume(ctx, bus.Subscribe())
	go hooks.Consume(ctx, bus.Subscribe())

	m := metrics.New()
	go m.WatchQueueDepth(ctx, q, 15*time.Second)

	sched := newScheduler(cfg, store, redisClient, q, reg, sup, stats)
	sched.Start()
	defer sched.Stop()

	// The dispatcher here only serves POST /webhooks/{id}/test; the
	// persisted retry ladder is drained by the worker binary.
	dispatcher := webhook.NewDispatcher(store, hooks, nil,
		cfg.Webhook.SignatureHeader, cfg.Worker.Webhook.Timeout())

	srv := api.NewServer(cfg.Server, api.Deps{
		Auth:         tenants,
		Submitter:    pipe,
		Emails:       emails,
		Domains:      reg,
		Webhooks:     hooks,
		Dispatcher:   dispatcher,
		Templates:    tmpl,
		Tenants:      tenants,
		Suppressions: sup,
		Analytics:    stats,
		Health:       api.NewHealthChecker(store.DB, redisClient),
		Metrics:      m.Handler(),
	})
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("api server: %v", err)
	}
	logger.Info("server stopped")
}

// newScheduler registers the maintenance jobs.
func newScheduler(cfg *config.Config, store *storage.Store, redisClient *redis.Client,
	q *queue.Queue, reg *registry.Service, sup *suppression.Service,
	stats *analytics.Service) *cron.Cron {
	c := cron.New()

	postgres := cfg.DB.Backend == "postgres"
	locked := func(name string, ttl time.Duration, fn func(ctx context.Context)) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), ttl)
			defer cancel()
			lock := distlock.NewLock(redisClient, store.DB, postgres, "cron:"+name, ttl)
			ok, err := lock.Acquire(ctx)
			if err != nil {
				logger.Error("cron lock failed", "job", name, "error", err.Error())
				return
			}
			if !ok {
				return
			}
			defer lock.Release(ctx)
			fn(ctx)
		}
	}

	c.AddFunc(cfg.Analytics.RollupCron, locked("analytics-rollup", 4*time.Minute, func(ctx context.Context) {
		// Recomputing the trailing window is idempotent; a generous
		// window covers late events and missed runs.
		now := time.Now().UTC()
		if err := stats.Rollup(ctx, now.Add(-25*time.Hour), now); err != nil {
			logger.Error("analytics rollup failed", "error", err.Error())
		}
	}))

	c.AddFunc("@daily", locked("analytics-sweep", 10*time.Minute, func(ctx context.Context) {
		retention := time.Duration(cfg.Analytics.RawRetentionDays) * 24 * time.Hour
		if _, err := stats.SweepRaw(ctx, retention); err != nil {
			logger.Error("analytics sweep failed", "error", err.Error())
		}
	}))

	c.AddFunc("@hourly", locked("suppression-purge", 5*time.Minute, func(ctx context.Context) {
		if _, err := sup.PurgeExpired(ctx, time.Now()); err != nil {
			logger.Error("suppression purge failed", "error", err.Error())
		}
	}))

	c.AddFunc("@every 1m", locked("queue-recover", time.Minute, func(ctx context.Context) {
		if _, err := q.RecoverStale(ctx, 10*time.Minute); err != nil {
			logger.Error("stale claim recovery failed", "error", err.Error())
		}
	}))

	c.AddFunc("@every 1m", locked("domain-verify", 2*time.Minute, func(ctx context.Context) {
		due, err := reg.DueForCheck(ctx, 50)
		if err != nil {
			logger.Error("verification poll failed", "error", err.Error())
			return
		}
		for _, sd := range due {
			if _, err := reg.Verify(ctx, sd); err != nil {
				logger.Error("domain verification failed",
					"domain", sd.Name, "error", err.Error())
			}
		}
	}))

	return c
}

// openRedis connects when a URL is configured. Redis-backed features
// (rate limits, idempotency replay, cross-host locks) degrade
// gracefully without it.
func openRedis(url string) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	return redis.NewClient(opts)
}
