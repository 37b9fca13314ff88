package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/phi-deid-engine/cmd/mainconfig"
	"github.com/wolfman30/phi-deid-engine/internal/api/router"
	"github.com/wolfman30/phi-deid-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
	"github.com/wolfman30/phi-deid-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/phi-deid-engine/internal/http/middleware"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

func main() {
	// .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting phi-deid-engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	var sqlDB *sql.DB
	if pool != nil {
		defer pool.Close()
		sqlDB = stdlib.OpenDBFromPool(pool)
		defer sqlDB.Close()
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	keys, err := bootstrap.BuildKeyService(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build key service", "error", err)
		os.Exit(1)
	}

	metricsHandler, registry := setupMetrics()
	infra := bootstrap.Infra{
		Pool:       pool,
		DB:         sqlDB,
		Redis:      redisClient,
		Keys:       keys,
		Registerer: registry,
	}
	if cfg.ReportBucket != "" {
		infra.S3 = mainconfig.NewS3Client(awsCfg, cfg)
	}
	if cfg.EventsQueueURL != "" {
		infra.SQS = sqs.NewFromConfig(awsCfg)
	}
	eng, err := bootstrap.BuildEngine(ctx, cfg, infra, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	if eng.Deliverer != nil {
		go eng.Deliverer.Start(ctx)
	}

	// Setup router
	routerCfg := &router.Config{
		Logger:         logger,
		Scans:          handlers.NewScanHandler(eng.Service, int64(cfg.MaxContentBytes)+4096, logger),
		Ledger:         handlers.NewLedgerHandler(eng.Ledger, logger),
		Reports:        handlers.NewReportHandler(eng.Reporter, eng.Publisher, nil, logger),
		Health:         handlers.NewHealthHandler(healthChecks(pool, redisClient)),
		MetricsHandler: metricsHandler,
		AuthSecret:     cfg.AdminJWTSecret,
		JWTIssuer:      cfg.JWTIssuer,
		AdminRoles:     cfg.DisposalRoles,
	}
	if cfg.ScanRateLimit > 0 {
		routerCfg.ScanLimiter = httpmiddleware.NewRateLimiter(cfg.ScanRateLimit, cfg.ScanRateBurst)
		go evictIdleBuckets(ctx, routerCfg.ScanLimiter)
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; only /health and /metrics are served")
	}
	srv := newServer(cfg, router.New(routerCfg))

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScanTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// connectPostgresPool returns nil when url is empty or the database is
// unreachable; the engine then runs on in-memory stores.
func connectPostgresPool(ctx context.Context, url string, logger *logging.Logger) *pgxpool.Pool {
	if url == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("postgres ping failed", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), registry
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client) map[string]handlers.Check {
	checks := map[string]handlers.Check{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return checks
}

func evictIdleBuckets(ctx context.Context, limiter *httpmiddleware.RateLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Evict(now.Add(-30 * time.Minute))
		}
	}
}
