package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tenantshandler "github.com/zenGate-Global/licensing-saas/domains/tenants/be/handler"
	tenantsrepo "github.com/zenGate-Global/licensing-saas/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	platformauth "github.com/zenGate-Global/licensing-saas/platform/go/auth"
	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/gcp"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	platformmiddleware "github.com/zenGate-Global/licensing-saas/platform/go/middleware"
	"github.com/zenGate-Global/licensing-saas/platform/go/outbox"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	DatabaseMaxConn int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	RedisURL        string        `env:"REDIS_URL,required"`
	StreamMaxLen    int64         `env:"STREAM_MAX_LEN" envDefault:"1000000"`
	AuthProvider    string        `env:"AUTH_PROVIDER" envDefault:"firebase"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	Firebase        gcp.FirebaseConfig

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxLease        time.Duration `env:"OUTBOX_LEASE" envDefault:"30s"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	// OutboxDisabled runs the API without a publisher, for deployments that
	// run it as a separate process via the CLI.
	OutboxDisabled bool `env:"OUTBOX_DISABLED" envDefault:"false"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "tenant-registry",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      cfg.DatabaseURL,
		MaxConns:        cfg.DatabaseMaxConn,
		ApplicationName: "tenant-registry",
	})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	redisClient, err := stream.NewRedisClient(ctx, stream.RedisConfig{URL: cfg.RedisURL})
	if err != nil {
		logger.Fatal("init redis client", zap.Error(err))
	}
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	tenantStore, err := persistence.NewTenantStore(pool)
	if err != nil {
		logger.Fatal("init tenant store", zap.Error(err))
	}
	tenantService := tenantsservice.New(tenantsrepo.NewPostgresRepository(pool, tenantStore))
	tenantHTTPHandler := tenantshandler.New(tenantService, logger)

	publisher := outbox.NewPublisher(
		outbox.NewPostgresStore(pool),
		stream.NewRedisPublisher(redisClient, stream.LifecycleStream, cfg.StreamMaxLen),
		deadletter.MultiSink{
			deadletter.NewLogSink(logger, m),
			deadletter.NewStreamSink(stream.NewRedisPublisher(redisClient, stream.DeadLetterStream, 0)),
		},
		outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			Lease:        cfg.OutboxLease,
			BatchSize:    cfg.OutboxBatchSize,
			Retry: retry.Policy{
				MaxAttempts:     cfg.OutboxMaxAttempts,
				InitialInterval: time.Second,
				MaxInterval:     5 * time.Minute,
				Multiplier:      2,
				Jitter:          0.2,
			},
		},
		logger,
		outbox.WithMetrics(m),
	)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(platformmiddleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Handle("/metrics", metrics.Handler())

	apiRouter := chi.NewRouter()
	apiRouter.Use(buildAuthMiddleware(ctx, cfg, logger))
	apiRouter.Use(platformmiddleware.RequestTrace)
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireRole("admin"))
		tenantHTTPHandler.Routes(r)
	})
	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting tenant registry", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !cfg.OutboxDisabled {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("tenant registry stopped", zap.Error(err))
	}
}
