// Package main is the entry point for the Waypost API server.
//
// It loads configuration, connects the Postgres pool, wires the repositories,
// reconciliation engine, and payment processor clients, builds the HTTP
// server on the core chassis (middleware, routing, health checks), and
// listens until SIGINT/SIGTERM.
//
// In local mode (APP_ENV=local) the processor client and webhook verifier are
// replaced with stubs, the rate limit store runs in memory, metrics are
// discarded, and resync requests execute inline instead of going through SQS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waypost/internal/api/handlers"
	"waypost/internal/billing"
	"waypost/internal/config"
	"waypost/internal/core"
	"waypost/internal/db"
	"waypost/internal/external"
	"waypost/internal/metrics"
	"waypost/internal/queue"
	"waypost/internal/types"
)

// telemetry is the union of the metric interfaces the API consumes, so one
// backend (CloudWatch or noop) serves the chassis and both handlers.
type telemetry interface {
	core.MetricsCollector
	handlers.IngestMetrics
	handlers.RateLimitMetrics
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("waypost API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	localMode := cfg.Environment == "local" || cfg.IsTestMode

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Repositories and the reconciliation engine. The reconciler is the only
	// write path for subscription state; everything below feeds it.
	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool)
	txManager := db.NewPgxTxManager(pool, logger)
	reconciler := billing.NewReconciler(txManager, logger)
	classifier := billing.NewClassifier(subRepo, nil, logger)
	entitlements := billing.NewEntitlementService(subRepo, billing.NewStaticEntitlementRegistry(), nil)

	var limits types.RateLimitStore
	if localMode {
		limits = db.NewMemoryRateLimitStore(nil)
	} else {
		limits = db.NewRateLimitRepo(pool, nil)
	}

	// Processor integration. Local mode swaps in stubs so the full ingestion
	// and resync paths run without processor credentials.
	var (
		processor external.ProcessorAPI
		verifier  external.WebhookVerifier
	)
	if localMode {
		processor = external.NewStubProcessorClient(logger)
		verifier = external.NewStubWebhookVerifier(logger)
	} else {
		processor = external.NewProcessorClient(cfg.Processor.BaseURL, cfg.Processor.SecretKey, logger)
		verifier = external.NewProcessorVerifier()
	}

	resync := billing.NewResyncService(subRepo, processor, reconciler, ledgerRepo, nil, nil, logger)

	var tel telemetry = metrics.NoopMetrics{}
	var enqueuer handlers.ResyncEnqueuer = &inlineResyncEnqueuer{resync: resync, logger: logger}
	if !localMode {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		tel = metrics.NewCloudWatchMetrics(cwClient, cfg.Observability.MetricNamespace, logger)

		if cfg.AWS.ResyncQueueURL != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
			enqueuer = queue.NewResyncTrigger(sqsClient, cfg.AWS.ResyncQueueURL, logger)
		}
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = tel
	srv.HealthProbes = append(srv.HealthProbes, &databaseProbe{pool: pool})

	webhookHandler := handlers.NewWebhookHandler(
		verifier,
		cfg.Processor.WebhookSecret,
		ledgerRepo,
		classifier,
		reconciler,
		tel,
		nil,
		logger,
	)
	entitlementsHandler := handlers.NewEntitlementsHandler(entitlements, limits, srv.Validator, tel, logger)
	adminHandler := handlers.NewAdminHandler(resync, enqueuer, ledgerRepo, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		entitlementsHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.AdminKeyMiddleware)
				adminHandler.RegisterRoutes(r)
			})
		},
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// databaseProbe reports connection pool health for GET /health.
type databaseProbe struct {
	pool *pgxpool.Pool
}

func (p *databaseProbe) Name() string { return "database" }

func (p *databaseProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// inlineResyncEnqueuer satisfies the enqueuer contract without a queue by
// running the resync synchronously. Used in local mode and whenever no SQS
// queue is configured.
type inlineResyncEnqueuer struct {
	resync *billing.ResyncService
	logger *slog.Logger
}

func (e *inlineResyncEnqueuer) Enqueue(ctx context.Context, userID string, reason string) error {
	e.logger.InfoContext(ctx, "no resync queue configured, running inline",
		"user_id", userID, "reason", reason)
	_, err := e.resync.Resync(ctx, userID)
	return err
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
