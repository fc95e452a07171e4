package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"ratelimit-engine/internal/config"
	hhttp "ratelimit-engine/internal/handler/http"
	"ratelimit-engine/internal/handler/http/middleware"
	"ratelimit-engine/internal/infra/adapter/persistence/postgres"
	"ratelimit-engine/internal/infra/db"
	"ratelimit-engine/internal/infra/eventsink"
	"ratelimit-engine/internal/infra/redisstore"
	"ratelimit-engine/internal/infra/worker"
	"ratelimit-engine/internal/observability/logging"
	"ratelimit-engine/internal/observability/metrics"
	"ratelimit-engine/internal/observability/tracing"
	"ratelimit-engine/internal/resilience/retry"
	"ratelimit-engine/internal/usecase/limit"
	pkgconfig "ratelimit-engine/pkg/config"
	"ratelimit-engine/pkg/ratelimit"
	"ratelimit-engine/pkg/security/csp"
)

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ratelimitd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	modules, err := cfg.LoadModules()
	if err != nil {
		return err
	}

	version := pkgconfig.GetEnvString("VERSION", "dev")
	shutdownTracing := tracing.Init(tracing.Config{
		ServiceName:    pkgconfig.GetEnvString("OTEL_SERVICE_NAME", tracing.TracerName),
		ServiceVersion: version,
		SampleRatio:    getSampleRatio(),
	})

	storeMetrics := ratelimit.NewPrometheusMetrics()
	reg := metrics.NewRegistry()

	be, err := openBackend(ctx, cfg, storeMetrics, logger)
	if err != nil {
		return err
	}
	if err := metrics.RegisterBuildInfo(reg, version, be.mode); err != nil {
		return err
	}
	if be.db != nil {
		if err := metrics.RegisterDBStats(reg, be.db, "ratelimit"); err != nil {
			return err
		}
	}

	events, err := openEvents(cfg, reg, logger)
	if err != nil {
		be.close(context.Background(), logger)
		return err
	}

	svc, err := limit.NewService(be.store, modules, events.dispatcher, limit.ServiceConfig{
		Metrics: storeMetrics,
		Logger:  logger,
	})
	if err != nil {
		events.close(context.Background(), logger)
		be.close(context.Background(), logger)
		return err
	}
	logger.Info("rate limiter ready",
		slog.String("backend", be.mode),
		slog.Any("modules", svc.Modules()),
		slog.Duration("retry_interval", cfg.RetryInterval))

	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, svc, be, reg, version, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	metricsServer := newMetricsServer(cfg.MetricsPort, prometheus.Gatherers{reg, storeMetrics.Registry()})

	purger, err := startPurgeWorker(ctx, be, reg, logger)
	if err != nil {
		events.close(context.Background(), logger)
		be.close(context.Background(), logger)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server starting", slog.String("addr", cfg.HTTPAddr), slog.String("version", version))
		return listen(apiServer)
	})
	g.Go(func() error {
		logger.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		return listen(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated", slog.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop taking requests before the event pipeline and stores go away.
		err := errors.Join(
			apiServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
		if purger != nil {
			if pErr := purger.Stop(shutdownCtx); pErr != nil {
				logger.Warn("purge worker did not stop in time", slog.Any("error", pErr))
			}
		}
		events.close(shutdownCtx, logger)
		be.close(shutdownCtx, logger)
		if tErr := shutdownTracing(shutdownCtx); tErr != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", tErr))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("ratelimitd stopped")
	return nil
}

// startPurgeWorker schedules expired-window cleanup when PostgreSQL backs
// the limiter. It returns nil when there is nothing to purge or purging is
// disabled.
func startPurgeWorker(ctx context.Context, be *backend, reg prometheus.Registerer, logger *slog.Logger) (*worker.PurgeWorker, error) {
	if be.durable == nil {
		return nil, nil
	}
	wm := worker.NewWorkerMetrics(reg)
	purgeCfg := worker.LoadConfigFromEnv(logger, wm)
	if !purgeCfg.Enabled {
		logger.Info("purge worker disabled")
		return nil, nil
	}
	w, err := worker.NewPurgeWorker(be.durable, purgeCfg, wm, logger, nil)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}

// listen serves until Shutdown; http.ErrServerClosed is not an error.
func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return nil
}

func getSampleRatio() float64 {
	raw := pkgconfig.GetEnvString("OTEL_TRACES_SAMPLER_ARG", "")
	if raw == "" {
		return 1.0
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid OTEL_TRACES_SAMPLER_ARG, sampling everything", slog.String("value", raw))
		return 1.0
	}
	return ratio
}

// backend is the store chosen at startup together with the handles the
// health endpoints and shutdown need.
type backend struct {
	mode      string
	store     ratelimit.Store
	db        *sql.DB
	durable   *postgres.WindowStore
	redis     *redisstore.Store
	resilient *ratelimit.ResilientStore
}

func openBackend(ctx context.Context, cfg *config.EngineConfig, m ratelimit.Metrics, logger *slog.Logger) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory rate limit store: counters are per process and lost on restart",
			slog.Int("max_keys", cfg.MemoryMaxKeys))
		return &backend{
			mode: "memory",
			store: ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{
				MaxKeys: cfg.MemoryMaxKeys,
				Metrics: m,
				Logger:  logger,
			}),
		}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := db.MigrateUp(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	durable := postgres.NewWindowStore(database, postgres.WindowStoreConfig{Logger: logger})
	be := &backend{mode: "postgres", store: durable, db: database, durable: durable}
	if !cfg.UsesRedis() {
		logger.Info("REDIS_URL not set, serving rate limits from PostgreSQL only")
		return be, nil
	}

	be.redis = redisstore.New(redisstore.Config{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.KeyPrefix,
		ScanBatch: int64(cfg.ScanBatch),
		Logger:    logger,
	})
	be.resilient = ratelimit.NewResilientStore(be.redis, durable, ratelimit.ResilientConfig{
		RetryInterval: cfg.RetryInterval,
		Metrics:       m,
		Logger:        logger,
		Tracer:        tracing.Tracer(),
	})
	be.mode = "resilient"
	be.store = be.resilient
	return be, nil
}

// activeBackend names the store answering calls right now.
func (b *backend) activeBackend() (string, time.Time) {
	if b.resilient == nil {
		return b.mode, time.Time{}
	}
	if b.resilient.CurrentBackend() == ratelimit.BackendPrimary {
		return "redis", time.Time{}
	}
	return "postgres", b.resilient.FallbackActiveSince()
}

func (b *backend) close(ctx context.Context, logger *slog.Logger) {
	b.store.Shutdown(ctx)
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}
}

// eventPipeline is the dispatcher and the sinks it feeds.
type eventPipeline struct {
	dispatcher *limit.Dispatcher
	amqp       *eventsink.AMQPSink
}

func openEvents(cfg *config.EngineConfig, reg *prometheus.Registry, logger *slog.Logger) (*eventPipeline, error) {
	sinks := []ratelimit.EventSink{eventsink.NewLogSink(logger)}
	p := &eventPipeline{}

	if cfg.AMQPURL != "" {
		sink, err := eventsink.DialAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		p.amqp = sink
		sinks = append(sinks, sink)
		logger.Info("publishing rate limit events to RabbitMQ", slog.String("exchange", cfg.AMQPExchange))
	}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, eventsink.NewSlackSink(eventsink.SlackConfig{WebhookURL: cfg.SlackWebhookURL}))
		logger.Info("announcing block events to Slack")
	}

	retryCfg := retry.EventDeliveryConfig()
	retryCfg.RetryIf = eventsink.IsRetryable

	p.dispatcher = limit.NewDispatcher(eventsink.NewMultiSink(sinks...), limit.DispatcherConfig{
		MaxConcurrent: cfg.EventWorkers,
		Retry:         retryCfg,
		Metrics:       limit.NewPrometheusDispatcherMetrics(reg),
		Logger:        logger,
	})
	return p, nil
}

func (p *eventPipeline) close(ctx context.Context, logger *slog.Logger) {
	if err := p.dispatcher.Shutdown(ctx); err != nil {
		logger.Warn("event dispatcher did not drain", slog.Any("error", err))
	}
	if p.amqp != nil {
		if err := p.amqp.Close(); err != nil {
			logger.Warn("failed to close RabbitMQ connection", slog.Any("error", err))
		}
	}
}

func newRouter(cfg *config.EngineConfig, svc *limit.Service, be *backend, reg *prometheus.Registry, version string, logger *slog.Logger) http.Handler {
	health := &hhttp.HealthHandler{
		Mode:          be.mode,
		ActiveBackend: be.activeBackend,
		DB:            be.db,
		Version:       version,
	}
	if be.redis != nil {
		health.Redis = be.redis
	}
	ready := &hhttp.ReadyHandler{}
	if be.durable != nil {
		ready.Store = be.durable
	}

	rc := hhttp.RouterConfig{
		Limit:      hhttp.NewLimitHandler(svc, nil, logger),
		Health:     health,
		Ready:      ready,
		AdminToken: cfg.AdminToken,
		Metrics:    hhttp.NewHTTPMetrics(reg),
		Logger:     logger,
		CSP:        csp.APIPolicy().ReportOnly(pkgconfig.GetEnvBool("CSP_REPORT_ONLY", false)),
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty: DELETE /v1/cache is unauthenticated")
	}

	if _, ok := svc.Module(adminModule); ok {
		extractor, err := ipExtractor(logger)
		if err != nil {
			logger.Warn("admin rate limit disabled", slog.Any("error", err))
		} else {
			rc.AdminLimit = middleware.RateLimit(svc, middleware.RateLimitConfig{
				Module:    adminModule,
				Extractor: extractor,
				Logger:    logger,
			})
		}
	}
	return hhttp.NewRouter(rc)
}

// adminModule limits admin requests per client IP when it is configured.
const adminModule = "auth"

func ipExtractor(logger *slog.Logger) (middleware.IPExtractor, error) {
	proxyConfig, err := middleware.LoadTrustedProxyConfig()
	if err != nil {
		return nil, fmt.Errorf("load trusted proxy configuration: %w", err)
	}
	if proxyConfig.Enabled {
		logger.Info("admin rate limit: trusted proxy mode enabled",
			slog.Int("trusted_proxies_count", len(proxyConfig.AllowedCIDRs)))
		return middleware.NewTrustedProxyExtractor(*proxyConfig), nil
	}
	return &middleware.RemoteAddrExtractor{}, nil
}
