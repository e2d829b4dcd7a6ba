// Package telemetry publishes invocation and pipeline metrics to CloudWatch.
// Metric emission is strictly best-effort: a failed PutMetricData is logged
// and swallowed so observability never fails an ingestion run. Components
// that run without a metrics sink use the Silent implementation.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"peerflow/internal/types"
)

// CloudWatchAPI abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics is the sink the pipeline components report into.
type Metrics interface {
	// Rate emits a count metric with the given dimension tags.
	Rate(ctx context.Context, name string, value float64, tags map[string]string)
	// Gauge emits a gauge metric with the given dimension tags.
	Gauge(ctx context.Context, name string, value float64, tags map[string]string)
	// LambdaError emits the uniform per-function failure metric.
	LambdaError(ctx context.Context, executionID, functionName, peerID string)
}

// Compile-time assertions.
var (
	_ Metrics = (*CloudWatchMetrics)(nil)
	_ Metrics = Silent{}
)

// CloudWatchMetrics implements Metrics against AWS CloudWatch.
type CloudWatchMetrics struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a sink that publishes into the peerflow
// CloudWatch namespace.
func NewCloudWatchMetrics(client CloudWatchAPI, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// Rate emits a count metric.
func (m *CloudWatchMetrics) Rate(ctx context.Context, name string, value float64, tags map[string]string) {
	m.put(ctx, name, value, cwtypes.StandardUnitCount, tags)
}

// Gauge emits a gauge metric.
func (m *CloudWatchMetrics) Gauge(ctx context.Context, name string, value float64, tags map[string]string) {
	m.put(ctx, name, value, cwtypes.StandardUnitNone, tags)
}

// LambdaError emits the uniform failure metric tagged with the function name,
// execution id, and (when known) the peer the failure belongs to.
func (m *CloudWatchMetrics) LambdaError(ctx context.Context, executionID, functionName, peerID string) {
	tags := map[string]string{
		types.DimFunction:  functionName,
		types.DimExecution: executionID,
	}
	if peerID != "" {
		tags[types.DimPeer] = peerID
	}
	m.put(ctx, types.MetricLambdaError, 1, cwtypes.StandardUnitCount, tags)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, tags map[string]string) {
	dimensions := make([]cwtypes.Dimension, 0, len(tags))
	for k, v := range tags {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dimensions,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric", "metric", name, "error", err)
	}
}

// Silent is the no-op Metrics implementation used when no sink is configured.
type Silent struct{}

// Rate is a no-op.
func (Silent) Rate(context.Context, string, float64, map[string]string) {}

// Gauge is a no-op.
func (Silent) Gauge(context.Context, string, float64, map[string]string) {}

// LambdaError is a no-op.
func (Silent) LambdaError(context.Context, string, string, string) {}
