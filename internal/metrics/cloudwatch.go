// Package metrics emits reconciliation outcome metrics to CloudWatch.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"foliobase/internal/reconcile"
	"foliobase/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names. Dashboards alarm on EventApplied with
// Outcome=conflict and on SnapshotMissingLocally > 0.
const (
	metricEventApplied     = "EventApplied"
	metricSnapshotEntries  = "SnapshotEntries"
	metricSnapshotMissing  = "SnapshotMissingLocally"
	dimOutcome             = "Outcome"
	dimSnapshotDisposition = "Disposition"
)

// Compile-time assertion that the emitter satisfies the engine's interface.
var _ reconcile.Metrics = (*CloudWatchEmitter)(nil)

// CloudWatchEmitter publishes reconciliation metrics to a CloudWatch
// namespace. Publish failures are logged and swallowed; metrics are never
// allowed to fail a reconciliation pass.
type CloudWatchEmitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchEmitter creates an emitter publishing to the given namespace.
func NewCloudWatchEmitter(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEmitter{client: client, namespace: namespace, logger: logger}
}

// RecordEventOutcome counts one applied event by outcome.
func (m *CloudWatchEmitter) RecordEventOutcome(ctx context.Context, outcome types.ApplyOutcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metricEventApplied),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(dimOutcome),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record event outcome metric",
			slog.String("error", err.Error()),
			slog.String("outcome", string(outcome)),
		)
	}
}

// RecordSnapshot publishes the per-disposition entry counts and the count of
// subscriptions missing locally from a complete snapshot.
func (m *CloudWatchEmitter) RecordSnapshot(ctx context.Context, report types.SnapshotReport) {
	datum := func(disposition string, value int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(metricSnapshotEntries),
			Value:      aws.Float64(float64(value)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{
					Name:  aws.String(dimSnapshotDisposition),
					Value: aws.String(disposition),
				},
			},
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum("overwritten", report.Overwritten),
			datum("created", report.Created),
			datum("behind", report.Behind),
			datum("rejected", report.Rejected),
			{
				MetricName: aws.String(metricSnapshotMissing),
				Value:      aws.Float64(float64(len(report.MissingLocally))),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record snapshot metrics",
			slog.String("error", err.Error()),
		)
	}
}
