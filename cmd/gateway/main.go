package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/api"
	"github.com/andresverguilla1987/ApagaNet/internal/circuitbreaker"
	"github.com/andresverguilla1987/ApagaNet/internal/config"
	"github.com/andresverguilla1987/ApagaNet/internal/db"
	"github.com/andresverguilla1987/ApagaNet/internal/metrics"
	"github.com/andresverguilla1987/ApagaNet/internal/notify"
	"github.com/andresverguilla1987/ApagaNet/internal/observ"
	"github.com/andresverguilla1987/ApagaNet/internal/redis"
	"github.com/andresverguilla1987/ApagaNet/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting apaganet alert gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs ingestion idempotency and per-home rate limiting. Both
	// degrade gracefully when it is down; the outbox dedupe key still
	// guards against duplicate deliveries.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 alerts
			Window: 1 * time.Minute, // per minute per home
		})
		defer redisClient.Close()
	}

	emailSender, err := buildEmailSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	webhookSender := worker.NewWebhookSender(logger, worker.WebhookConfig{
		Timeout: cfg.WebhookTimeout,
	})

	multiSender := worker.NewMultiSender(logger,
		circuitbreaker.Protect(emailSender, circuitbreaker.Config{Name: "email"}, logger),
		circuitbreaker.Protect(webhookSender, circuitbreaker.Config{Name: "webhook"}, logger),
	)

	logger.Info("initialized delivery channels",
		zap.String("email_provider", cfg.EmailProvider),
		zap.Duration("webhook_timeout", cfg.WebhookTimeout),
	)

	w := worker.New(repo, multiSender, worker.Config{
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		StaleAfter:   cfg.WorkerStaleAfter,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)

	logger.Info("dispatch worker started",
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Int("batch_size", cfg.WorkerBatchSize),
	)

	ingester := notify.NewService(repo, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, ingester, w, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if rateLimiter != nil {
				r.Use(api.RateLimitMiddleware(rateLimiter, logger))
			}
			r.Post("/alerts", handler.CreateAlert)
		})

		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Patch("/alerts/{id}/read", handler.MarkAlertRead)

		r.Post("/subscriptions", handler.CreateSubscription)
		r.Get("/subscriptions", handler.ListSubscriptions)
		r.Get("/subscriptions/{id}", handler.GetSubscription)
		r.Patch("/subscriptions/{id}", handler.UpdateSubscription)
		r.Delete("/subscriptions/{id}", handler.DeleteSubscription)

		// Operational surface: manual dispatch for external schedulers and
		// outbox triage. Guarded by the task secret when configured.
		r.Group(func(r chi.Router) {
			r.Use(api.TaskSecretMiddleware(cfg.TaskSecret, logger))
			r.Post("/dispatch", handler.Dispatch)
			r.Get("/outbox", handler.ListOutbox)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildEmailSender picks the configured email provider. The log provider
// writes deliveries to the application log and is the default for
// development environments without SES or Resend credentials.
func buildEmailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	switch cfg.EmailProvider {
	case config.EmailProviderSES:
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return sender, nil
	case config.EmailProviderResend:
		sender, err := worker.NewResendSender(worker.ResendConfig{
			APIKey:    cfg.ResendAPIKey,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create resend email sender: %w", err)
		}
		return sender, nil
	default:
		return worker.NewLogSender(logger), nil
	}
}
