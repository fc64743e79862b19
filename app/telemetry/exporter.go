package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// LogExporter writes each collected data point as a structured log entry.
type LogExporter struct {
	logger logrus.FieldLogger
}

func NewLogExporter(logger logrus.FieldLogger) *LogExporter {
	return &LogExporter{logger: logger}
}

func (e *LogExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (e *LogExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *LogExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			e.exportMetric(m)
		}
	}
	return nil
}

func (e *LogExporter) exportMetric(m metricdata.Metrics) {
	logger := e.logger.WithField("metric", m.Name)
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			logger.WithFields(pointFields(dp.Attributes)).WithField("value", dp.Value).Info("metric")
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			logger.WithFields(pointFields(dp.Attributes)).WithField("value", dp.Value).Info("metric")
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			logger.WithFields(pointFields(dp.Attributes)).WithFields(logrus.Fields{
				"count": dp.Count,
				"sum":   dp.Sum,
			}).Info("metric")
		}
	default:
		logger.Debugf("skipping unsupported aggregation %T", data)
	}
}

func pointFields(set attribute.Set) logrus.Fields {
	fields := make(logrus.Fields, set.Len())
	for _, kv := range set.ToSlice() {
		fields[string(kv.Key)] = kv.Value.Emit()
	}
	return fields
}

func (e *LogExporter) ForceFlush(context.Context) error {
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
