// Package observability exposes the orchestrator's own operational metrics
// through OpenTelemetry with a Prometheus scrape endpoint. This is
// self-monitoring of the proxy and pipeline, separate from the usage metrics
// the pipeline derives for transmission.
package observability

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

	"codemie/internal/logging"
)

// MetricsCollector manages the orchestrator's self-monitoring instruments.
// The zero value (from a disabled config) is a no-op.
type MetricsCollector struct {
	meter metric.Meter

	proxyRequests   metric.Int64Counter
	proxyBlocked    metric.Int64Counter
	proxyLatency    metric.Float64Histogram
	deltasCollected metric.Int64Counter
	recordsSent     metric.Int64Counter
	sendFailures    metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter

	prometheusServer *http.Server
	log              *logging.Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a collector; disabled configs yield a no-op
// collector so call sites never branch.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("codemie")

	proxyRequests, err := meter.Int64Counter(
		"codemie.proxy.requests.total",
		metric.WithDescription("Total proxied exchanges"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_requests counter: %w", err)
	}

	proxyBlocked, err := meter.Int64Counter(
		"codemie.proxy.blocked.total",
		metric.WithDescription("Exchanges answered locally without contacting upstream"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_blocked counter: %w", err)
	}

	proxyLatency, err := meter.Float64Histogram(
		"codemie.proxy.latency",
		metric.WithDescription("Proxied exchange latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_latency histogram: %w", err)
	}

	deltasCollected, err := meter.Int64Counter(
		"codemie.pipeline.deltas.total",
		metric.WithDescription("Metric deltas derived from session files"),
		metric.WithUnit("{delta}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deltas_collected counter: %w", err)
	}

	recordsSent, err := meter.Int64Counter(
		"codemie.pipeline.records.sent",
		metric.WithDescription("Aggregated records accepted by the metrics endpoint"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create records_sent counter: %w", err)
	}

	sendFailures, err := meter.Int64Counter(
		"codemie.pipeline.records.failed",
		metric.WithDescription("Aggregated records the metrics endpoint refused"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create send_failures counter: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"codemie.sessions.active",
		metric.WithDescription("Assistant sessions currently running"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:           meter,
		proxyRequests:   proxyRequests,
		proxyBlocked:    proxyBlocked,
		proxyLatency:    proxyLatency,
		deltasCollected: deltasCollected,
		recordsSent:     recordsSent,
		sendFailures:    sendFailures,
		sessionsActive:  sessionsActive,
		log:             logging.NewComponentLogger("Observability"),
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus scrape endpoint.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}

	go func() {
		m.log.Info("prometheus metrics listening on %s", m.prometheusServer.Addr)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordProxyExchange records one proxied exchange.
func (m *MetricsCollector) RecordProxyExchange(ctx context.Context, method, path string, status int, blocked bool, latency time.Duration) {
	if m.proxyRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.Int("status", status),
	}

	m.proxyRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.proxyLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	if blocked {
		m.proxyBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

// RecordDeltas records deltas persisted for an agent.
func (m *MetricsCollector) RecordDeltas(ctx context.Context, agent string, count int) {
	if m.deltasCollected == nil {
		return
	}
	m.deltasCollected.Add(ctx, int64(count), metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordTransmission records the outcome of sending aggregated records.
func (m *MetricsCollector) RecordTransmission(ctx context.Context, sent, failed int) {
	if m.recordsSent == nil {
		return
	}
	if sent > 0 {
		m.recordsSent.Add(ctx, int64(sent))
	}
	if failed > 0 {
		m.sendFailures.Add(ctx, int64(failed))
	}
}

// IncrementActiveSessions increments the active sessions gauge.
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions gauge.
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}
