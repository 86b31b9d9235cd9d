// Package queue provides the SQS producer used to dispatch resync jobs to the
// background worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"waypost/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ResyncMessage is the payload consumed by cmd/resync-worker.
type ResyncMessage struct {
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
	TraceID string `json:"trace_id"`
}

// ResyncTrigger publishes resync jobs. Used by the async admin path and by
// the retry sweep when a dead-lettered event still has a known user.
type ResyncTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func NewResyncTrigger(client SQSSender, queueURL string, logger *slog.Logger) *ResyncTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResyncTrigger{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue publishes a resync job for the user. The trace ID is propagated
// from the request context when present so worker logs correlate with the
// originating API call.
func (t *ResyncTrigger) Enqueue(ctx context.Context, userID string, reason string) error {
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	msg := ResyncMessage{
		UserID:  userID,
		Reason:  reason,
		TraceID: traceID,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal resync message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send resync message to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "resync message sent",
		"queue_url", t.queueURL,
		"user_id", userID,
		"trace_id", traceID,
		"reason", reason,
	)
	return nil
}
