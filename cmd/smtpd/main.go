// Command smtpd runs the inbound listeners: MX on port 25 for mail
// addressed to hosted domains (bounces, complaints, plain inbound) and
// submission on port 587 where tenants authenticate with an API key and
// inject outbound mail. Accepted submissions land in the shared durable
// queue; the worker binary delivers them.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/analytics"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnsx"
	"github.com/ultrazend/ultrazend/internal/events"
	"github.com/ultrazend/ultrazend/internal/pipeline"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/registry"
	"github.com/ultrazend/ultrazend/internal/smtpd"
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

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	keys := dkim.NewKeyStore(store, cfg.DKIM.FallbackDomain)
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

	var sendLimiter pipeline.SendLimiter
	var ipLimiter smtpd.IPLimiter
	var idem *pipeline.Idempotency
	if redisClient != nil {
		l := ratelimit.New(redisClient, cfg.RateLimits)
		sendLimiter = l
		ipLimiter = l
		idem = pipeline.NewIdempotency(redisClient)
	}

	// Submissions are enqueued only; the worker binary runs the
	// transport, so none is wired here.
	pipe := pipeline.New(emails, q, sup, sendLimiter, tmpl, reg, signer, nil,
		bus, idem, cfg.Hostname)
	pipe.SetMaxMessageBytes(cfg.SMTP.MaxMessageBytes)

	go stats.Consume(ctx, bus.Subscribe())
	go hooks.Consume(ctx, bus.Subscribe())

	var tlsConfig *tls.Config
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("tls: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		logger.Warn("no tls certificate configured, submission auth restricted to insecure mode")
	}

	ingestor := smtpd.NewIngestor(emails, sup, reg, bus)
	srv := smtpd.NewServer(cfg.SMTP, cfg.Hostname, pipe, tenants, ipLimiter, ingestor, tlsConfig)
	if err := srv.Start(); err != nil {
		log.Fatalf("smtpd: %v", err)
	}

	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutCtx); err != nil {
		logger.Error("smtpd shutdown failed", "error", err.Error())
	}
	logger.Info("smtpd stopped")
}
