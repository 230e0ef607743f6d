package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/reputation"
	"attendguard/internal/store"
)

// Worker relays admission events to per-session pub/sub topics and prunes
// reputation history past the lookback window.
func main() {
	cfg := config.Load()
	lg, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Info("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		lg.Fatal("worker needs the redis queue and postgres store; the api relays in-process in memory mode")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		lg.Fatal("db connect failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	if !redisClient.Healthy(ctx) {
		lg.Warn("redis not reachable yet, relay will retry")
	}

	q := queue.NewRedisQueue(redisClient.Client, "", lg)
	relay := notify.NewRelay(q, notify.NewRedisBroadcaster(redisClient.Client), lg)
	rep := reputation.NewStore(reputation.NewPostgresBackend(db.Client), nil, nil, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return pruneLoop(gctx, rep, cfg.PruneInterval, lg) })

	lg.Info("worker started", zap.Duration("prune_interval", cfg.PruneInterval))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("worker stopped with error", zap.Error(err))
		return
	}
	lg.Info("worker stopped")
}

func pruneLoop(ctx context.Context, rep *reputation.Store, every time.Duration, lg *zap.Logger) error {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		n, err := rep.Prune(ctx)
		if err != nil {
			lg.Warn("history prune failed", zap.Error(err))
		} else if n > 0 {
			lg.Info("history pruned", zap.Int64("rows", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
