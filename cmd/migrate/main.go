// Command migrate applies the embedded schema migrations and exits.
// The server binary also migrates on boot; this exists for deploy
// pipelines that migrate before rolling new code.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/storage"
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
	logger.Info("migrations applied", "backend", cfg.DB.Backend)
}
