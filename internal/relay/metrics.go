package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "capstone-brain/relay"

type metrics struct {
	submitted metric.Int64Counter
	processed metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics() *metrics {
	m, err := buildMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	submitted, err := meter.Int64Counter("relay_requests_submitted",
		metric.WithDescription("Requests accepted by the relay"))
	if err != nil {
		return nil, err
	}
	processed, err := meter.Int64Counter("relay_requests_processed",
		metric.WithDescription("Requests that reached a terminal state"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("relay_requests_retried",
		metric.WithDescription("Requests republished after a transient failure"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("relay_handler_duration_seconds",
		metric.WithDescription("Time spent in relay handlers"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{submitted: submitted, processed: processed, retried: retried, duration: duration}, nil
}

func (m *metrics) recordSubmit(ctx context.Context, kind Kind) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) recordTerminal(ctx context.Context, kind Kind, status Status, code string) {
	m.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", string(status)),
		attribute.String("code", code),
	))
}

func (m *metrics) recordRetry(ctx context.Context, kind Kind) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) recordDuration(ctx context.Context, kind Kind, d time.Duration) {
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", string(kind))))
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
