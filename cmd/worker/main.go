// Command worker drains the durable queues: it claims delivery items
// and runs the direct-to-MX transport, and it posts due webhook
// deliveries. Events produced by delivery are consumed in-process so
// analytics rows and webhook fanout land without a broker.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ultrazend/ultrazend/internal/analytics"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/delivery"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/events"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/registry"
	"github.com/ultrazend/ultrazend/internal/storage"
	"github.com/ultrazend/ultrazend/internal/suppression"
	"github.com/ultrazend/ultrazend/internal/templates"
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

	keys := dkim.NewKeyStore(store, cfg.DKIM.FallbackDomain)
	signer := dkim.NewSigner(keys)
	resolver := dnsx.NewClient(cfg.DNS.Timeout())
	reg := registry.NewService(store, resolver, keys)
	sup := suppression.NewService(store)
	tmpl := templates.NewService(store)
	hooks := webhook.NewService(store)
	stats := analytics.NewService(store)
	emails := pipeline.NewEmailStore(store)
	q := queue.New(store, cfg.Retry)
	bus := events.NewBus()
	defer bus.Close()

	transport := delivery.NewTransport(delivery.Config{
		Hostname:       cfg.Hostname,
		ConnectTimeout: cfg.SMTP.ConnectTimeout(),
		CommandTimeout: cfg.SMTP.CommandTimeout(),
		PerDomain:      int64(cfg.Worker.Delivery.PerRecipientDomain),
	}, resolver)

	// Submission-side gates (rate limits, idempotency) stay in the API
	// process; the worker only executes already-accepted work.
	pipe := pipeline.New(emails, q, sup, nil, tmpl, reg, signer, transport,
		bus, nil, cfg.Hostname)

	go stats.Consume(ctx, bus.Subscribe())
	go hooks.Consume(ctx, bus.Subscribe())

	dispatcher := webhook.NewDispatcher(store, hooks, nil,
		cfg.Webhook.SignatureHeader, cfg.Worker.Webhook.Timeout())
	go dispatcher.Run(ctx, time.Second, cfg.Worker.Webhook.Concurrency*4)

	if err := pipeline.NewWorker(pipe, q, cfg.Worker.Delivery).Run(ctx); err != nil {
		logger.Error("delivery worker exited", "error", err.Error())
	}
	logger.Info("worker stopped")
}
