// Command worker runs one dependent service's side of tenant provisioning: it
// consumes lifecycle events, drives the tenant databases through their states
// and, for the documents service, serves tenant-scoped HTTP on top of them.
package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/zenGate-Global/licensing-saas/domains/services"
	documentshandler "github.com/zenGate-Global/licensing-saas/domains/documents/be/handler"
	documentsrepo "github.com/zenGate-Global/licensing-saas/domains/documents/be/repo"
	documentsservice "github.com/zenGate-Global/licensing-saas/domains/documents/be/service"
	platformauth "github.com/zenGate-Global/licensing-saas/platform/go/auth"
	"github.com/zenGate-Global/licensing-saas/platform/go/consumer"
	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	"github.com/zenGate-Global/licensing-saas/platform/go/gcp"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/metrics"
	platformmiddleware "github.com/zenGate-Global/licensing-saas/platform/go/middleware"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/provisioning"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
	tenantmiddleware "github.com/zenGate-Global/licensing-saas/platform/go/tenant/middleware"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenantdb"
)

type config struct {
	Service         string        `env:"SERVICE,required"`
	DatabasePrefix  string        `env:"DATABASE_PREFIX"`
	Port            string        `env:"PORT" envDefault:"3100"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	// AdminDatabaseURL points at the service's control database: it holds
	// provisioning records, the dedupe ledger and dead letters, and is used to
	// CREATE DATABASE for new tenants.
	AdminDatabaseURL string `env:"ADMIN_DATABASE_URL,required"`
	// TenantDSNTemplate builds a tenant connection string, e.g.
	// postgres://svc:pw@db:5432/{database}?sslmode=disable
	TenantDSNTemplate string `env:"TENANT_DSN_TEMPLATE,required"`
	TenantMaxConns    int32  `env:"TENANT_MAX_CONNS" envDefault:"4"`
	Bootstrap         bool   `env:"BOOTSTRAP" envDefault:"true"`

	RedisURL      string        `env:"REDIS_URL,required"`
	ConsumerName  string        `env:"CONSUMER_NAME"`
	StreamMinIdle time.Duration `env:"STREAM_MIN_IDLE" envDefault:"1m"`
	StreamBlock   time.Duration `env:"STREAM_BLOCK" envDefault:"5s"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"64"`
	StepTimeout       time.Duration `env:"STEP_TIMEOUT" envDefault:"30s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	IdleTimeout     time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"10m"`
	JanitorInterval time.Duration `env:"POOL_JANITOR_INTERVAL" envDefault:"1m"`
	RetryAfter      time.Duration `env:"PROVISIONING_RETRY_AFTER" envDefault:"5s"`

	AuthProvider string   `env:"AUTH_PROVIDER" envDefault:"firebase"`
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	Firebase     gcp.FirebaseConfig
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "provisioning-worker",
		Service:   cfg.Service,
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	spec, err := services.Spec(cfg.Service, cfg.DatabasePrefix)
	if err != nil {
		return err
	}
	admin, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      cfg.AdminDatabaseURL,
		ApplicationName: "worker-" + spec.Name,
	})
	if err != nil {
		return fmt.Errorf("init admin pool: %w", err)
	}
	defer persistence.ClosePool(admin)

	if cfg.Bootstrap {
		if err := persistence.BootstrapService(ctx, admin); err != nil {
			return fmt.Errorf("bootstrap service tables: %w", err)
		}
	}

	redisClient, err := stream.NewRedisClient(ctx, stream.RedisConfig{URL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("init redis client: %w", err)
	}
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	records := provisioning.NewPostgresRecordStore(admin)

	resolver := tenantdb.NewResolver(tenantdb.Config{
		Targets: map[string]tenantdb.Target{
			spec.Name: {Template: cfg.TenantDSNTemplate, Prefix: spec.DatabasePrefix},
		},
		ConnectTimeout:  cfg.ConnectTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		JanitorInterval: cfg.JanitorInterval,
	}, records, tenantdb.PgxOpener(persistence.PoolConfig{
		MaxConns:        cfg.TenantMaxConns,
		ApplicationName: "worker-" + spec.Name,
	}), logger, tenantdb.WithMetrics(m))
	defer resolver.Close()

	prov, err := provisioning.NewDBProvisioner(admin, cfg.TenantDSNTemplate, spec, logger)
	if err != nil {
		return fmt.Errorf("init provisioner: %w", err)
	}

	sink := deadletter.MultiSink{
		deadletter.NewPostgresSink(admin),
		deadletter.NewStreamSink(stream.NewRedisPublisher(redisClient, stream.DeadLetterStream, 0)),
		deadletter.NewLogSink(logger, m),
	}

	policy := retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}

	orchestrator, err := provisioning.NewOrchestrator(provisioning.Config{
		Service:           spec.Name,
		DatabasePrefix:    spec.DatabasePrefix,
		WorkerConcurrency: cfg.WorkerConcurrency,
		StepTimeout:       cfg.StepTimeout,
		Retry:             policy,
	}, records, prov, provisioning.EvictorFunc(resolver.Evict), sink, logger, provisioning.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	consumerName := cfg.ConsumerName
	if consumerName == "" {
		host, _ := os.Hostname()
		consumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	group := stream.NewRedisGroup(redisClient, stream.GroupConfig{
		Stream:   stream.LifecycleStream,
		Group:    spec.Name,
		Consumer: consumerName,
		MinIdle:  cfg.StreamMinIdle,
		Block:    cfg.StreamBlock,
	})
	if err := group.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	events := consumer.New(consumer.Config{
		Service:     spec.Name,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.WorkerConcurrency,
		ErrorBackoff: retry.Policy{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
		},
	}, group, orchestrator, consumer.NewPostgresDedupe(admin, spec.Name), sink, logger, consumer.WithMetrics(m))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildRouter(ctx, cfg, spec.Name, resolver, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return resolver.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting worker", zap.String("port", cfg.Port), zap.String("consumer", consumerName))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildRouter(ctx context.Context, cfg config, service string, resolver *tenantdb.Resolver, logger *zap.Logger) http.Handler {
	root := chi.NewRouter()
	root.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.CORS(platformmiddleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins}),
	)
	root.Use(platformlogging.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))

	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	root.Handle("/metrics", metrics.Handler())

	if service != services.Documents {
		return root
	}

	verify, err := platformauth.NewVerifier(ctx, cfg.AuthProvider, cfg.Firebase, logger)
	if err != nil {
		logger.Fatal("init auth verifier", zap.String("provider", cfg.AuthProvider), zap.Error(err))
	}

	docs := documentshandler.New(documentsservice.New(documentsrepo.New(nil)), logger)

	api := chi.NewRouter()
	api.Use(platformauth.JWT(verify, platformauth.DefaultCredentialExtractor))
	api.Use(platformmiddleware.RequestTrace)
	api.Use(tenantmiddleware.WithTenantDB(resolver, tenantmiddleware.Config{
		Service:    service,
		RetryAfter: cfg.RetryAfter,
	}, logger))
	docs.Routes(api)
	root.Mount("/api/v1", api)

	return root
}
