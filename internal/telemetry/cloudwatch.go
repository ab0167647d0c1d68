package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// DefaultNamespace is the CloudWatch namespace for drain metrics.
const DefaultNamespace = "Storefront/Outbox"

// CloudWatch publishes drain statistics with PutMetricData.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	device    string
	log       *slog.Logger
}

// NewCloudWatch returns a recorder, or nil when client is nil.
// device tags every datum so fleets of storefront installs can be told apart.
func NewCloudWatch(client aws.CloudWatchAPI, namespace, device string, logger *slog.Logger) *CloudWatch {
	if client == nil {
		return nil
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{client: client, namespace: namespace, device: device, log: logger}
}

// RecordDrain sends one datum per counter. Skipped passes are not published.
// Failures are logged; metrics never fail a drain.
func (c *CloudWatch) RecordDrain(ctx context.Context, stats DrainStats) {
	if c == nil || stats.Skipped != "" {
		return
	}
	now := time.Now()
	dims := []cwtypes.Dimension{{Name: awsString("Device"), Value: awsString(c.device)}}
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: awsString(name),
			Dimensions: dims,
			Timestamp:  &now,
			Value:      &v,
			Unit:       unit,
		}
	}

	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: awsString(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum("EntriesAttempted", float64(stats.Attempted), cwtypes.StandardUnitCount),
			datum("EntriesDelivered", float64(stats.Delivered), cwtypes.StandardUnitCount),
			datum("EntriesRetried", float64(stats.Retried), cwtypes.StandardUnitCount),
			datum("EntriesMalformed", float64(stats.Malformed), cwtypes.StandardUnitCount),
			datum("DrainDuration", float64(stats.Duration.Milliseconds()), cwtypes.StandardUnitMilliseconds),
		},
	})
	if err != nil {
		c.log.Warn("publish drain metrics failed", "namespace", c.namespace, "error", err)
	}
}

func awsString(s string) *string { return &s }
