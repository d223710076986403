// Package telemetry exposes engine metrics through OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's instruments. A disabled collector is a valid
// zero-cost no-op: every record method nil-checks its instrument.
type Metrics struct {
	meter metric.Meter

	cycles           metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	evaluations      metric.Int64Counter
	fires            metric.Int64Counter
	holds            metric.Int64Counter
	expirations      metric.Int64Counter
	dispatchFailures metric.Int64Counter
	metricMisses     metric.Int64Counter
	cycleTasks       metric.Int64Histogram
}

// New creates the collector. enabled=false returns a no-op.
func New(enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("investi")

	m := &Metrics{meter: meter}

	if m.cycles, err = meter.Int64Counter(
		"investi.scheduler.cycles.total",
		metric.WithDescription("Completed scheduler cycles"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, fmt.Errorf("create cycles counter: %w", err)
	}
	if m.cycleDuration, err = meter.Float64Histogram(
		"investi.scheduler.cycle.duration",
		metric.WithDescription("Scheduler cycle wall time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create cycle duration histogram: %w", err)
	}
	if m.evaluations, err = meter.Int64Counter(
		"investi.evaluations.total",
		metric.WithDescription("Task evaluations by kind"),
		metric.WithUnit("{evaluation}"),
	); err != nil {
		return nil, fmt.Errorf("create evaluations counter: %w", err)
	}
	if m.fires, err = meter.Int64Counter(
		"investi.fires.total",
		metric.WithDescription("Tasks fired by kind"),
		metric.WithUnit("{fire}"),
	); err != nil {
		return nil, fmt.Errorf("create fires counter: %w", err)
	}
	if m.holds, err = meter.Int64Counter(
		"investi.holds.total",
		metric.WithDescription("Hold decisions by kind"),
		metric.WithUnit("{hold}"),
	); err != nil {
		return nil, fmt.Errorf("create holds counter: %w", err)
	}
	if m.expirations, err = meter.Int64Counter(
		"investi.expirations.total",
		metric.WithDescription("Recurring tasks expired"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create expirations counter: %w", err)
	}
	if m.dispatchFailures, err = meter.Int64Counter(
		"investi.dispatch.failures.total",
		metric.WithDescription("Failed handoffs to agents"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("create dispatch failures counter: %w", err)
	}
	if m.metricMisses, err = meter.Int64Counter(
		"investi.metric.misses.total",
		metric.WithDescription("Conditional evaluations with unavailable metrics"),
		metric.WithUnit("{miss}"),
	); err != nil {
		return nil, fmt.Errorf("create metric misses counter: %w", err)
	}
	if m.cycleTasks, err = meter.Int64Histogram(
		"investi.scheduler.cycle.tasks",
		metric.WithDescription("Tasks evaluated per cycle"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create cycle tasks histogram: %w", err)
	}
	return m, nil
}

// Handler returns the Prometheus scrape handler for mounting on the API
// server.
func (m *Metrics) Handler() http.Handler {
	return promclient.Handler()
}

// RecordCycle records one completed scheduler cycle.
func (m *Metrics) RecordCycle(ctx context.Context, duration time.Duration, evaluated int) {
	if m.cycles == nil {
		return
	}
	m.cycles.Add(ctx, 1)
	m.cycleDuration.Record(ctx, duration.Seconds())
	m.cycleTasks.Record(ctx, int64(evaluated))
}

// RecordEvaluation records one task evaluation and its outcome.
func (m *Metrics) RecordEvaluation(ctx context.Context, kind, action string) {
	if m.evaluations == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.evaluations.Add(ctx, 1, attrs)
	switch action {
	case "fire":
		m.fires.Add(ctx, 1, attrs)
	case "hold":
		m.holds.Add(ctx, 1, attrs)
	case "expire":
		m.expirations.Add(ctx, 1, attrs)
	}
}

// RecordMetricMiss records one unavailable-metric hold.
func (m *Metrics) RecordMetricMiss(ctx context.Context, ticker string) {
	if m.metricMisses == nil {
		return
	}
	m.metricMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("ticker", ticker)))
}

// RecordDispatchFailure records one failed agent handoff.
func (m *Metrics) RecordDispatchFailure(ctx context.Context, kind string) {
	if m.dispatchFailures == nil {
		return
	}
	m.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
