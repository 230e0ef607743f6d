package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/codes"
	"attendguard/internal/config"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/httpapi"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/incident"
	"attendguard/internal/logging"
	"attendguard/internal/metrics"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/reputation"
	"attendguard/internal/risk"
	"attendguard/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	lg, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := runHTTP(cfg, lg); err != nil {
		lg.Fatal("http server failed", zap.Error(err))
	}
}

// backends are the storage implementations picked by STORE_BACKEND.
type backends struct {
	sessions   directory.Sessions
	students   directory.Students
	codes      codes.Store
	records    attendance.Store
	reputation reputation.Backend
	incidents  incident.Sink
}

func openBackends(kind string, db *sql.DB) backends {
	if kind == "memory" {
		dir := directory.NewMemory()
		cs := codes.NewMemoryStore()
		return backends{
			sessions:   dir,
			students:   dir,
			codes:      cs,
			records:    attendance.NewMemoryStore(cs),
			reputation: reputation.NewMemoryBackend(),
			incidents:  incident.NewMemorySink(),
		}
	}
	dir := directory.NewRepository(db)
	return backends{
		sessions:   dir,
		students:   dir,
		codes:      codes.NewPostgresStore(db),
		records:    attendance.NewRepository(db),
		reputation: reputation.NewPostgresBackend(db),
		incidents:  incident.NewPostgresSink(db),
	}
}

func runHTTP(cfg config.App, lg *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *store.DB
	if cfg.StoreBackend != "memory" {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
	}
	var sqlDB *sql.DB
	if db != nil {
		sqlDB = db.Client
	}
	b := openBackends(cfg.StoreBackend, sqlDB)

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	m, err := metrics.New(metrics.Options{})
	if err != nil {
		return err
	}

	var lookup geo.Lookup = geo.NoopLookup{}
	if cfg.GeoIPCountryDB != "" || cfg.GeoIPAnonymousDB != "" {
		mm, err := geo.OpenMaxMind(cfg.GeoIPCountryDB, cfg.GeoIPAnonymousDB)
		if err != nil {
			return err
		}
		defer func() { _ = mm.Close() }()
		lookup = mm
	} else {
		lg.Warn("no GeoIP databases configured, country and proxy checks are off")
	}

	var frequency risk.FrequencyCounter
	var blockCache reputation.BlockCache
	if cfg.StoreBackend == "memory" {
		frequency = risk.NewMemoryCounter(cfg.AnomalyWindow)
	} else {
		frequency = risk.NewRedisCounter(redisClient.Client, "", cfg.AnomalyWindow)
		blockCache = reputation.NewRedisBlockCache(redisClient.Client, "", cfg.BlockCacheTTL)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		// Nothing else can drain an in-process queue, so relay from here.
		relay := notify.NewRelay(q, notify.NewRedisBroadcaster(redisClient.Client), lg)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("relay stopped", zap.Error(err))
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "", lg)
	}

	recorder := incident.NewRecorder(b.incidents, m, lg)
	rep := reputation.NewStore(b.reputation, blockCache, recorder, lg)
	ledger := codes.NewLedger(b.codes, b.sessions, cfg.CodeTTL, m, lg)

	thresholds := risk.DefaultThresholds()
	thresholds.WatchedCountries = cfg.WatchedCountries
	thresholds.GeoRadiusMeters = cfg.GeoRadiusMeters
	thresholds.AnomalyThreshold = cfg.AnomalyThreshold
	engine := risk.NewEngine(
		risk.NewHistoryCollector(rep, b.sessions, lookup, frequency, lg),
		cfg.BlockThreshold,
		risk.DefaultAnalyzers(thresholds)...,
	)

	att := attendance.NewService(attendance.Deps{
		Sessions:          b.sessions,
		Students:          b.students,
		Ledger:            ledger,
		Records:           b.records,
		Scorer:            engine,
		Reputation:        rep,
		Incidents:         recorder,
		Notifier:          notify.NewPublisher(q),
		Metrics:           m,
		Logger:            lg,
		CriticalThreshold: cfg.CriticalThreshold,
	})

	limiter := httpmiddleware.NewLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	go sweepLimiter(ctx, limiter)

	r, err := httpapi.NewRouter(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(lg))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "store": cfg.StoreBackend})
	})

	staff := auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin, auth.RoleFaculty)
	httpapi.New(att, recorder, rep, lg).Register(r, staff)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced shutdown", zap.Error(err))
	}

	lg.Info("server exited")
	return nil
}

func sweepLimiter(ctx context.Context, l *httpmiddleware.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
