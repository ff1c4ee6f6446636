package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the kait metric instruments. A zero-value
// collector (metrics disabled) is safe to call and records nothing.
type MetricsCollector struct {
	meter metric.Meter

	// Gateway metrics.
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram
	llmCost         metric.Float64Counter

	// Ingest metrics.
	ingestEvents metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter

	// Learning-loop metrics.
	reflectionCycles   metric.Int64Counter
	breakerTransitions metric.Int64Counter
	workerRestarts     metric.Int64Counter

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a metrics collector backed by the OTel
// Prometheus exporter.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("kait")

	llmRequests, err := meter.Int64Counter(
		"kait.llm.requests.total",
		metric.WithDescription("Total LLM requests through the gateway"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm request counter: %w", err)
	}

	llmTokensInput, err := meter.Int64Counter(
		"kait.llm.tokens.input",
		metric.WithDescription("Input tokens sent to providers"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create input token counter: %w", err)
	}

	llmTokensOutput, err := meter.Int64Counter(
		"kait.llm.tokens.output",
		metric.WithDescription("Output tokens received from providers"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create output token counter: %w", err)
	}

	llmLatency, err := meter.Float64Histogram(
		"kait.llm.latency",
		metric.WithDescription("Provider request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	llmCost, err := meter.Float64Counter(
		"kait.llm.cost.total",
		metric.WithDescription("Estimated provider spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}

	ingestEvents, err := meter.Int64Counter(
		"kait.ingest.events.total",
		metric.WithDescription("Ingest events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest counter: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"kait.queue.depth",
		metric.WithDescription("Events waiting in the ingest queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue gauge: %w", err)
	}

	reflectionCycles, err := meter.Int64Counter(
		"kait.reflection.cycles.total",
		metric.WithDescription("Completed reflection cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reflection counter: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"kait.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker counter: %w", err)
	}

	workerRestarts, err := meter.Int64Counter(
		"kait.worker.restarts.total",
		metric.WithDescription("Watchdog-initiated worker restarts"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restart counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:              meter,
		llmRequests:        llmRequests,
		llmTokensInput:     llmTokensInput,
		llmTokensOutput:    llmTokensOutput,
		llmLatency:         llmLatency,
		llmCost:            llmCost,
		ingestEvents:       ingestEvents,
		queueDepth:         queueDepth,
		reflectionCycles:   reflectionCycles,
		breakerTransitions: breakerTransitions,
		workerRestarts:     workerRestarts,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// PrometheusHandler returns the scrape handler so a daemon can mount
// /metrics on its own router instead of a standalone listener.
func PrometheusHandler() http.Handler {
	return promclient.Handler()
}

// StartPrometheusServer starts a standalone Prometheus scrape server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the standalone scrape server, when one was started.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordLLMRequest records one gateway call against a provider.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, provider, model, status string, latency time.Duration, inputTokens, outputTokens int, cost float64) {
	if m.llmRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	}
	providerAttr := metric.WithAttributes(attribute.String("provider", provider))

	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), providerAttr)
	m.llmTokensOutput.Add(ctx, int64(outputTokens), providerAttr)
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	if cost > 0 {
		m.llmCost.Add(ctx, cost, providerAttr)
	}
}

// RecordIngestEvent records an ingest outcome: accepted, rejected,
// rate_limited or quarantined.
func (m *MetricsCollector) RecordIngestEvent(ctx context.Context, outcome string) {
	if m.ingestEvents == nil {
		return
	}
	m.ingestEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddQueueDepth adjusts the ingest queue depth gauge.
func (m *MetricsCollector) AddQueueDepth(ctx context.Context, delta int64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// RecordReflectionCycle records one completed reflection cycle.
func (m *MetricsCollector) RecordReflectionCycle(ctx context.Context, status string) {
	if m.reflectionCycles == nil {
		return
	}
	m.reflectionCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition records a circuit state change.
func (m *MetricsCollector) RecordBreakerTransition(ctx context.Context, provider, toState string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("to_state", toState),
	))
}

// RecordWorkerRestart records a watchdog restart of a worker.
func (m *MetricsCollector) RecordWorkerRestart(ctx context.Context, worker string) {
	if m.workerRestarts == nil {
		return
	}
	m.workerRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}
