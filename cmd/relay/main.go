package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/notify-relay/internal/backoff"
	"github.com/kursadbilgin/notify-relay/internal/config"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/handler"
	"github.com/kursadbilgin/notify-relay/internal/infra/postgresql"
	"github.com/kursadbilgin/notify-relay/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notify-relay/internal/infra/redis"
	"github.com/kursadbilgin/notify-relay/internal/observability"
	"github.com/kursadbilgin/notify-relay/internal/provider"
	"github.com/kursadbilgin/notify-relay/internal/queue"
	"github.com/kursadbilgin/notify-relay/internal/ratelimit"
	"github.com/kursadbilgin/notify-relay/internal/render"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"github.com/kursadbilgin/notify-relay/internal/service"
	"github.com/kursadbilgin/notify-relay/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	// Caps a provider retry_after inside the transport's own retry loop.
	transportRetryCeiling = 60 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.Enabled {
		logger.Warn("admin notifications are disabled, relay not started",
			zap.Bool("enabled", cfg.Enabled),
		)
		return
	}

	logger.Info("notify-relay starting",
		zap.String("botToken", observability.MaskSecret(cfg.BotToken)),
		zap.Int64("chatId", cfg.ChatID),
		zap.Bool("enabled", cfg.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("notify-relay stopped with error", zap.Error(err))
		_ = logger.Sync()
		stop()
		os.Exit(1)
	}
	logger.Info("notify-relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
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

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	var rdb *goredis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		window, err := infraredis.NewSendWindow(rdb, infraredis.DefaultSendWindowKey, ratelimit.DefaultWindow)
		if err != nil {
			return fmt.Errorf("redis send window: %w", err)
		}
		limiterOpts = append(limiterOpts, ratelimit.WithSendWindow(window))
		logger.Info("global send window kept in redis", zap.String("key", infraredis.DefaultSendWindowKey))
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		GlobalLimit:      cfg.RateLimitPerMin,
		Window:           ratelimit.DefaultWindow,
		MinErrorInterval: cfg.MinErrorInterval(),
	}, limiterOpts...)

	metrics := observability.NewMetrics()
	notifications := repository.NewGormNotificationRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	profiles := repository.NewGormProfileRepo(db)

	q, err := queue.New(notifications, backoff.New(cfg.BackoffBase(), cfg.BackoffCeiling()), queue.Config{
		MaxRetries:       cfg.MaxRetry,
		SuppressedStatus: domain.Status(strings.ToLower(strings.TrimSpace(cfg.SuppressedStatus))),
	})
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}

	telegram, err := provider.NewTelegramProvider(cfg.APIURL, cfg.BotToken, cfg.TransportTimeout())
	if err != nil {
		return fmt.Errorf("telegram provider init failed: %w", err)
	}
	deliveryTransport, err := provider.NewRetryingTransport(
		telegram,
		cfg.TransportMaxRetries,
		backoff.New(cfg.TransportRetryBase(), transportRetryCeiling, backoff.WithUnit(time.Millisecond)),
		provider.WithPacing(cfg.TransportMaxPerSecond),
		provider.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("delivery transport init failed: %w", err)
	}

	worker, err := service.NewWorkerService(
		q,
		deliveryTransport,
		limiter,
		render.NewRenderer(cfg.ParseMode, nil),
		profiles,
		attempts,
		service.WorkerConfig{
			ChatID:             cfg.ChatID,
			ParseMode:          cfg.ParseMode,
			BatchSize:          cfg.WorkerBatchSize,
			PollInterval:       cfg.PollInterval(),
			BatchPause:         cfg.BatchPause(),
			PermanentFailsFast: cfg.PermanentFailsFast,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	worker.SetMetrics(metrics)

	notificationService, err := service.NewNotificationService(notifications, attempts, logger)
	if err != nil {
		return fmt.Errorf("notification service init failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(fiberrecover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("ops api listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
