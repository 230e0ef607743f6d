package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/store"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg := config.Load()
	lg, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := store.Migrate(cfg.DatabaseURL, *direction); err != nil {
		lg.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}
	lg.Info("migrations applied", zap.String("direction", *direction))
}
