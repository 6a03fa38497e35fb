package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/cache"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/ingest"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/notification"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/repository"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/telemetry"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/ticketing"
	"github.com/fieldguard/field-integrity-backend/internal/metrics"
	"github.com/fieldguard/field-integrity-backend/internal/service/collector"
	"github.com/fieldguard/field-integrity-backend/internal/service/correlation"
	"github.com/fieldguard/field-integrity-backend/internal/service/detection"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
	"github.com/fieldguard/field-integrity-backend/internal/service/scoring"
	"github.com/fieldguard/field-integrity-backend/internal/service/tuning"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", os.Getenv("FIG_CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting field integrity monitor",
		"version", cfg.Version,
		"environment", cfg.Environment)

	if err := run(ctx, cfg); err != nil {
		slog.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("monitor stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	zlog, err := newZapLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zlog.Sync()

	otelCfg := telemetry.DefaultConfig()
	otelCfg.ServiceVersion = cfg.Version
	otelCfg.Environment = cfg.Environment
	provider, err := telemetry.InitializeOpenTelemetry(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	pool, err := repository.NewPool(ctx, &cfg.Database, zlog)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, zlog)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	registry, err := metrics.NewRegistry("fieldguard.monitor")
	if err != nil {
		return fmt.Errorf("building metrics registry: %w", err)
	}

	activities := repository.NewActivityRepository(pool)
	baselines := repository.NewBaselineRepository(pool)
	clusters := repository.NewClusterRepository(pool)
	escalations := repository.NewEscalationRepository(pool)

	deviceUsage := cache.NewDeviceUsageStore(redisClient, cfg.Detection.Device, zlog)
	ticketLock := cache.NewTicketLock(redisClient)

	detectors := []detection.Detector{
		detection.NewBehavioralDetector(cfg.Detection.Behavioral),
		detection.NewTemporalDetector(cfg.Detection.Temporal),
		detection.NewLocationDetector(cfg.Detection.Location),
		detection.NewDeviceDetector(deviceUsage, cfg.Detection.Device),
	}

	fieldCollector := collector.New(activities, cfg.Collector, zlog)
	orchestrator, err := scoring.NewOrchestrator(fieldCollector, baselines, detectors, cfg.Detection, zlog)
	if err != nil {
		return fmt.Errorf("building scoring orchestrator: %w", err)
	}

	engine := correlation.NewEngine(clusters, cfg.Correlation, registry, zlog)

	ticketQueue := ticketing.NewQueue(ticketing.NewClient(cfg.Ticketing, zlog), cfg.Ticketing, zlog)
	ticketQueue.Start(ctx)
	defer ticketQueue.Wait()

	notifier := notification.NewHTTPNotifier(nil, notification.Config{
		BaseURL: cfg.Notification.BaseURL,
		APIKey:  cfg.Notification.APIKey,
	}, zlog)

	escalator := escalation.NewService(escalations, ticketQueue, ticketLock, notifier, cfg.Escalation, registry, zlog)
	retuner := tuning.NewRetuner(baselines, escalations, cfg.Tuning, registry, zlog)

	consumer := ingest.NewConsumer(cfg.Kafka, activities, zlog)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			zlog.Error("activity consumer stopped", zap.Error(err))
		}
	}()

	sched := &scheduler{
		activities:   activities,
		collector:    fieldCollector,
		orchestrator: orchestrator,
		baselines:    baselines,
		clusters:     clusters,
		engine:       engine,
		escalator:    escalator,
		registry:     registry,
		cfg:          cfg,
		logger:       zlog,
	}
	go sched.run(ctx)

	go runSweepLoop(ctx, escalator, registry, cfg.Escalation.SweepInterval, zlog)
	go runTuningLoop(ctx, retuner, registry, cfg.Tuning.Interval, zlog)

	srv := newOpsServer(cfg.Server, pool, redisClient)
	go func() {
		zlog.Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func runSweepLoop(ctx context.Context, escalator *escalation.Service, registry *metrics.Registry, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := escalator.Sweep(ctx)
			if err != nil {
				logger.Error("escalation sweep failed", zap.Error(err))
				continue
			}
			registry.SweepDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
			if n > 0 {
				registry.RecordsEscalated.Add(ctx, int64(n))
				logger.Info("auto-escalated overdue records", zap.Int("count", n))
			}
		}
	}
}

func runTuningLoop(ctx context.Context, retuner *tuning.Retuner, registry *metrics.Registry, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := retuner.Run(ctx)
			if err != nil {
				logger.Error("baseline retuning failed", zap.Error(err))
				continue
			}
			registry.ProfilesRetuned.Add(ctx, int64(n))
			logger.Info("baseline retuning cycle finished", zap.Int("profiles", n))
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// newOpsServer exposes prometheus runtime metrics and liveness probes next to
// the OTLP pipeline.
func newOpsServer(cfg config.ServerConfig, pool pinger, redisClient redisPinger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
