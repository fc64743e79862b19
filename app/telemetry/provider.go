package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// NewMeterProvider builds an SDK meter provider that exports through
// reader. The caller owns Shutdown.
func NewMeterProvider(serviceName string, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
}

// NewLogReader exports collected metrics to logger every interval.
func NewLogReader(logger logrus.FieldLogger, interval time.Duration) sdkmetric.Reader {
	return sdkmetric.NewPeriodicReader(NewLogExporter(logger), sdkmetric.WithInterval(interval))
}
