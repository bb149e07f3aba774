// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/config"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/database"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/events"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/handler"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/identity"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/logger"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/repository"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/retry"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/service"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seat-allocator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// ── 1. Configuration and logging ──────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logger.Init(&logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Get()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// ── 2. Store ──────────────────────────────────────────────────────────
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── 3. Outcome events ─────────────────────────────────────────────────
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		publisher = np
		log.Info("publishing allocation events", zap.String("url", cfg.NATS.URL))
	}
	defer publisher.Close()

	// ── 4. Wire up layers ────────────────────────────────────────────────
	mode := service.CountingCounter
	if cfg.Allocation.CountingMode == config.CountingDerived {
		mode = service.CountingDerived
	}
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Allocation.MaxRetries
	rc.InitialInterval = cfg.Allocation.RetryInitialInterval
	rc.MaxInterval = cfg.Allocation.RetryMaxInterval

	engine := service.NewEngine(store,
		service.WithLogger(log),
		service.WithPublisher(publisher),
		service.WithCountingMode(mode),
		service.WithTxTimeout(cfg.Allocation.TxTimeout),
		service.WithRetry(*rc),
		service.WithNormalizer(identity.NewNormalizer(cfg.Allocation.DefaultCountryCode)),
	)
	waitlist := service.NewWaitlistManager(engine)
	eventSvc := service.NewEventService(engine)

	if cfg.Reconcile.Enabled && mode == service.CountingCounter {
		reconciler, err := service.NewReconciler(engine, cfg.Reconcile.Interval)
		if err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
		reconciler.Start()
		defer func() {
			if err := reconciler.Stop(); err != nil {
				log.Warn("reconciler shutdown", zap.Error(err))
			}
		}()
	}

	opts := handler.RouterOptions{Logger: log}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			// The middleware fails open, so a missing Redis only loses replay.
			log.Warn("redis unreachable, idempotency replay degraded", zap.Error(err))
		}
		opts.Idempotency = &handler.IdempotencyConfig{
			Redis:         client,
			TTL:           cfg.Redis.IdempotencyTTL,
			ProcessingTTL: cfg.Redis.ProcessingTTL,
		}
	}

	h := handler.New(engine, waitlist, eventSvc, log)

	// ── 5. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.NewRouter(h, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("counting_mode", string(mode)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	pool, err := database.NewPool(ctx, &cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.Store.AutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("connected to PostgreSQL", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
	return repository.NewPostgresStore(pool, repository.WithLockTimeout(cfg.Allocation.TxTimeout)), nil
}
