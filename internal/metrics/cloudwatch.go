// Package metrics emits ingestion and API telemetry to CloudWatch. All
// recorders are fire-and-forget: publish failures are logged and never
// surface to the request path.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"waypost/internal/types"
)

// Metric and dimension names.
const (
	MetricEventOutcome      = "EventOutcome"
	MetricReconcileLatency  = "ReconcileLatency"
	MetricRateLimitDecision = "RateLimitDecision"
	MetricAPIRequest        = "APIRequest"
	MetricAPILatency        = "APILatency"

	DimCanonicalType = "CanonicalType"
	DimOutcome       = "Outcome"
	DimAction        = "Action"
	DimDecision      = "Decision"
	DimMethod        = "Method"
	DimEndpoint      = "Endpoint"
	DimStatus        = "Status"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes to a CloudWatch namespace. It implements the
// ingest metrics interfaces consumed by the handlers and the chassis
// MetricsCollector.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordOutcome counts one resolved billing event by canonical type and
// outcome.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, canonicalType types.TransitionKind, outcome types.LedgerOutcome) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricEventOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimCanonicalType), Value: aws.String(string(canonicalType))},
			{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

// RecordReconcileLatency tracks how long a transition took to apply.
func (m *CloudWatchMetrics) RecordReconcileLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricReconcileLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// RecordRateLimitDecision counts allow/deny decisions per action.
func (m *CloudWatchMetrics) RecordRateLimitDecision(ctx context.Context, action string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricRateLimitDecision),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimAction), Value: aws.String(action)},
			{Name: aws.String(DimDecision), Value: aws.String(decision)},
		},
	})
}

// RecordRequest records API request count and latency for the chassis
// middleware.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimMethod), Value: aws.String(method)},
		{Name: aws.String(DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(DimStatus), Value: aws.String(status)},
	}
	m.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics", "error", err)
	}
}

// NoopMetrics discards all telemetry. Used in local mode and tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordOutcome(ctx context.Context, canonicalType types.TransitionKind, outcome types.LedgerOutcome) {
}
func (NoopMetrics) RecordReconcileLatency(ctx context.Context, d time.Duration)            {}
func (NoopMetrics) RecordRateLimitDecision(ctx context.Context, action string, allowed bool) {}
func (NoopMetrics) RecordRequest(method, endpoint, status string, duration time.Duration)  {}
