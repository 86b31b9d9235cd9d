// Package main is the entry point for the resync worker Lambda function.
//
// The worker consumes ResyncMessage payloads from the resync SQS queue and
// reconciles each named user against the payment processor's live state. It
// is fed by the async admin path and by the retry sweep's dead-letter
// self-heal.
//
// Lambda SQS integration uses partial batch responses: messages that fail
// are returned in batchItemFailures so SQS redelivers only those.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"waypost/internal/billing"
	"waypost/internal/config"
	"waypost/internal/db"
	"waypost/internal/external"
	"waypost/internal/queue"
	"waypost/internal/types"
)

// Resyncer narrows billing.ResyncService for testing.
type Resyncer interface {
	Resync(ctx context.Context, userID string) (*types.ReconciliationResult, error)
}

// Handler holds the dependencies for the resync worker Lambda handler.
type Handler struct {
	resync Resyncer
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more resync messages. Each
// message is processed independently; failures are reported per item.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process resync message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage runs one resync. Returning nil acks the message; returning
// an error sends it back to the queue for redelivery.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg queue.ResyncMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil || msg.UserID == "" {
		// Permanent parse failure; redelivery cannot fix it.
		h.logger.ErrorContext(ctx, "dropping unparseable resync message",
			"message_id", record.MessageId, "error", err)
		return nil
	}

	if msg.TraceID != "" {
		ctx = types.WithRequestID(ctx, msg.TraceID)
	}

	h.logger.InfoContext(ctx, "processing resync message",
		"user_id", msg.UserID,
		"reason", msg.Reason,
		"trace_id", msg.TraceID,
	)

	result, err := h.resync.Resync(ctx, msg.UserID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeBillingUnresolvableUser {
			// The user has no processor linkage; retrying is pointless.
			h.logger.WarnContext(ctx, "resync target has no linked customer, dropping",
				"user_id", msg.UserID)
			return nil
		}
		return fmt.Errorf("resyncing user %s: %w", msg.UserID, err)
	}

	h.logger.InfoContext(ctx, "resync message processed",
		"user_id", msg.UserID,
		"outcome", result.Outcome,
		"changed", result.Changed,
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("resync worker initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	subRepo := db.NewSubscriptionRepo(pool, logger)
	ledgerRepo := db.NewLedgerRepo(pool)
	txManager := db.NewPgxTxManager(pool, logger)
	reconciler := billing.NewReconciler(txManager, logger)

	var processor external.ProcessorAPI
	if cfg.IsTestMode {
		processor = external.NewStubProcessorClient(logger)
	} else {
		processor = external.NewProcessorClient(cfg.Processor.BaseURL, cfg.Processor.SecretKey, logger)
	}

	resync := billing.NewResyncService(subRepo, processor, reconciler, ledgerRepo, nil, nil, logger)

	handler := &Handler{resync: resync, logger: logger}

	logger.Info("resync worker initialized",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
