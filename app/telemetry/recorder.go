package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/vibast-solutions/ms-go-mailer/app/telemetry"

// Recorder holds the mailer's delivery and reconciliation instruments.
type Recorder struct {
	sendOutcomes       metric.Int64Counter
	sendDuration       metric.Float64Histogram
	signals            metric.Int64Counter
	invalidTransitions metric.Int64Counter
}

func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(instrumentationName)

	sendOutcomes, err := meter.Int64Counter("mailer.send.outcomes",
		metric.WithDescription("Classified send attempts"),
		metric.WithUnit("{attempts}"))
	if err != nil {
		return nil, fmt.Errorf("create send outcome counter: %w", err)
	}
	sendDuration, err := meter.Float64Histogram("mailer.send.duration",
		metric.WithDescription("Provider send attempt latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create send duration histogram: %w", err)
	}
	signals, err := meter.Int64Counter("mailer.reconcile.signals",
		metric.WithDescription("Provider status signals applied"),
		metric.WithUnit("{signals}"))
	if err != nil {
		return nil, fmt.Errorf("create signal counter: %w", err)
	}
	invalid, err := meter.Int64Counter("mailer.reconcile.invalid_transitions",
		metric.WithDescription("Provider signals rejected by the transition table"),
		metric.WithUnit("{signals}"))
	if err != nil {
		return nil, fmt.Errorf("create invalid transition counter: %w", err)
	}

	return &Recorder{
		sendOutcomes:       sendOutcomes,
		sendDuration:       sendDuration,
		signals:            signals,
		invalidTransitions: invalid,
	}, nil
}

// NewNoopRecorder returns a recorder whose instruments discard everything.
func NewNoopRecorder() *Recorder {
	r, _ := NewRecorder(noop.NewMeterProvider())
	return r
}

func (r *Recorder) RecordSend(ctx context.Context, provider, status, reason string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	r.sendOutcomes.Add(ctx, 1, attrs)
	r.sendDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func (r *Recorder) RecordSignal(ctx context.Context, signal, status string) {
	r.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", signal),
		attribute.String("status", status),
	))
}

func (r *Recorder) RecordInvalidTransition(ctx context.Context, from, to, signal string) {
	r.invalidTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("signal", signal),
	))
}
