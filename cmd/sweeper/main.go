// Package main is the entry point for the Waypost maintenance sweeper.
//
// It runs the three periodic sweeps as ticker loops under one errgroup:
//
//   - retry: replays unprocessed ledger entries and dead-letters exhausted
//     ones, enqueuing a resync for attributable dead letters
//   - cleanup: purges expired rate limit counter windows
//   - archive: exports aged ledger payloads to S3 and strips them inline
//
// Each sweep runs once at startup and then on its configured interval. A
// SIGINT/SIGTERM cancels the group and the process exits after the in-flight
// passes finish.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"waypost/internal/billing"
	"waypost/internal/config"
	"waypost/internal/db"
	"waypost/internal/queue"
	"waypost/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("waypost sweeper starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"retry_interval", cfg.Sweep.RetryInterval.String(),
		"cleanup_interval", cfg.Sweep.CleanupInterval.String(),
		"archive_interval", cfg.Sweep.ArchiveInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool)
	txManager := db.NewPgxTxManager(pool, logger)
	reconciler := billing.NewReconciler(txManager, logger)
	classifier := billing.NewClassifier(subRepo, nil, logger)

	var enqueuer scheduler.ResyncEnqueuer
	var archiver scheduler.LedgerArchiver
	if cfg.AWS.ResyncQueueURL != "" || cfg.AWS.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		if cfg.AWS.ResyncQueueURL != "" {
			sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
			enqueuer = queue.NewResyncTrigger(sqsClient, cfg.AWS.ResyncQueueURL, logger)
		}
		if cfg.AWS.ArchiveBucket != "" {
			s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
					o.UsePathStyle = true
				}
			})
			archiver = scheduler.NewS3Archiver(s3Client, cfg.AWS.ArchiveBucket, logger)
		}
	}

	retrySweep := scheduler.NewRetrySweepService(ledgerRepo, classifier, reconciler, enqueuer, scheduler.RetrySweepConfig{
		MinAge:      cfg.Sweep.RetryMinAge,
		MaxAttempts: cfg.Sweep.RetryMaxAttempts,
		BatchSize:   cfg.Sweep.RetryBatchSize,
	}, logger)
	cleanup := scheduler.NewWindowCleanupService(db.NewRateLimitRepo(pool, nil), logger)
	archive := scheduler.NewLedgerArchiveService(ledgerRepo, archiver, scheduler.LedgerArchiveConfig{
		Retention: cfg.Sweep.ArchiveRetention,
		BatchSize: cfg.Sweep.ArchiveBatchSize,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runEvery(ctx, logger, "retry", cfg.Sweep.RetryInterval, func(ctx context.Context, now time.Time) error {
			_, err := retrySweep.Run(ctx, now)
			return err
		})
	})
	g.Go(func() error {
		return runEvery(ctx, logger, "cleanup", cfg.Sweep.CleanupInterval, func(ctx context.Context, now time.Time) error {
			_, err := cleanup.Run(ctx, now)
			return err
		})
	})
	g.Go(func() error {
		return runEvery(ctx, logger, "archive", cfg.Sweep.ArchiveInterval, func(ctx context.Context, now time.Time) error {
			_, err := archive.Run(ctx, now)
			return err
		})
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("sweeper stopped cleanly")
	return nil
}

// runEvery executes fn immediately and then on every tick until the context
// is canceled. Sweep failures are logged and the loop keeps going; a broken
// pass must not stop the other sweeps or future passes.
func runEvery(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(context.Context, time.Time) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx, time.Now().UTC()); err != nil {
			logger.ErrorContext(ctx, "sweep pass failed", "sweep", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
