package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/sampling-engine/internal/config"
	"github.com/kursadbilgin/sampling-engine/internal/handler"
	"github.com/kursadbilgin/sampling-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/sampling-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sampling-engine/internal/infra/redis"
	"github.com/kursadbilgin/sampling-engine/internal/observability"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/queue"
	"github.com/kursadbilgin/sampling-engine/internal/repository"
	"github.com/kursadbilgin/sampling-engine/internal/runner"
	"github.com/kursadbilgin/sampling-engine/internal/service"
	"github.com/kursadbilgin/sampling-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	runnerCfg, err := config.LoadRunner()
	if err != nil {
		log.Fatal("failed to load runner config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runnerCfg, logger); err != nil {
		logger.Fatal("sampling-engine stopped with error", zap.Error(err))
	}
	logger.Info("sampling-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, runnerCfg *config.RunnerConfig, logger *zap.Logger) error {
	tracing, err := observability.NewTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	registry, err := provider.NewRegistryFromConfigs(runnerCfg.Providers())
	if err != nil {
		return fmt.Errorf("provider registry initialization failed: %w", err)
	}
	if len(registry.Providers()) == 0 {
		logger.Warn("no provider API keys configured; every batch will be rejected")
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer broker.Close()

	metrics := observability.NewMetrics()
	batches := repository.NewGormBatchRepo(db)

	orchestrator := runner.NewOrchestrator(
		registry,
		batches,
		runnerCfg.RetryPolicy(),
		runnerCfg.ProviderTimeout,
		logger.Named("runner"),
	)
	orchestrator.SetMetrics(metrics)
	orchestrator.SetRateLimiter(limiter)
	orchestrator.SetTracer(tracing.Tracer())

	batchService, err := service.NewBatchService(batches, queue.NewRabbitMQPublisher(broker), registry, logger)
	if err != nil {
		return err
	}

	worker, err := service.NewWorkerService(
		orchestrator,
		queue.NewRabbitMQConsumer(broker, 1, logger),
		cfg.WorkerConcurrency,
		cfg.BatchTimeout,
		logger.Named("worker"),
	)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	if err := handler.RegisterBatchRoutes(app, batchService, orchestrator); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sampling-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.Any("providers", registry.Providers()),
		)
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
