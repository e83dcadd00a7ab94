package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
)

// MetricRecorder publishes adapter outcome counters to CloudWatch. Publishing
// failures are logged and never returned; metrics are not part of any contract.
type MetricRecorder struct {
	client    CloudWatchAPI
	namespace string
	logger    logrus.FieldLogger
}

// NewMetricRecorder returns a recorder writing into namespace.
func NewMetricRecorder(client CloudWatchAPI, namespace string, logger logrus.FieldLogger) *MetricRecorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MetricRecorder{client: client, namespace: namespace, logger: logger}
}

// Record emits a single Count datapoint for metric, dimensioned by adapter.
func (m *MetricRecorder) Record(ctx context.Context, adapter, metric string) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: sdkaws.String(metric),
				Value:      sdkaws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: sdkaws.String("Adapter"), Value: sdkaws.String(adapter)},
				},
			},
		},
	})
	if err != nil {
		m.logger.WithFields(logrus.Fields{"adapter": adapter, "metric": metric}).
			WithError(err).Warn("put metric data failed")
	}
}
