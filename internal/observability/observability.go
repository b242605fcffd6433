// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for crawl runs. Initialisation is optional; all recording helpers are
// no-ops until Init has run.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	runTracer trace.Tracer

	fetchDuration metric.Float64Histogram
	fetchTotal    metric.Int64Counter
	batchDuration metric.Float64Histogram
	archivedTotal metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false
// the function is a no-op returning nil providers.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "scout"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	// A broken trace exporter must not stop a crawl run; export failures
	// degrade to metrics-only.
	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, expErr := otlptracehttp.New(ctx, clientOpts...)
		if expErr != nil {
			log.Warn().
				Err(expErr).
				Str("endpoint", cfg.OTLPEndpoint).
				Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().
				Str("endpoint", cfg.OTLPEndpoint).
				Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		runTracer = tracerProvider.Tracer("scout/scraper")
		_ = initScraperInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// ParseOTLPHeaders parses the OTEL_EXPORTER_OTLP_HEADERS form
// "key=value,key2=value2" into a header map.
func ParseOTLPHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}

// StartMetricsServer serves the Prometheus scrape endpoint in the
// background and returns its shutdown function. Without active providers
// or a configured address both the server and the shutdown are no-ops.
func StartMetricsServer(prov *Providers) func(ctx context.Context) error {
	if prov == nil || prov.MetricsHandler == nil || prov.Config.MetricsAddress == "" {
		return func(context.Context) error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", prov.MetricsHandler)

	srv := &http.Server{
		Addr:              prov.Config.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Serving Prometheus metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return srv.Shutdown
}

func initScraperInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("scout/scraper")

	var err error
	fetchDuration, err = meter.Float64Histogram(
		"scout.fetch.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Round trip time for one classified listing fetch"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err = meter.Int64Counter(
		"scout.fetch.total",
		metric.WithDescription("Counts classified fetches by source, phase and outcome"),
	)
	if err != nil {
		return err
	}

	batchDuration, err = meter.Float64Histogram(
		"scout.batch.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to run one batch round"),
	)
	if err != nil {
		return err
	}

	archivedTotal, err = meter.Int64Counter(
		"scout.listings.archived.total",
		metric.WithDescription("Counts listings appended to the archive"),
	)
	return err
}

// FetchMetrics describes one classified fetch for metric recording.
type FetchMetrics struct {
	Source   string
	Phase    string
	Outcome  string
	Duration time.Duration
}

// RecordFetch emits fetch metrics when instrumentation is initialised.
func RecordFetch(ctx context.Context, m FetchMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("source", m.Source),
		attribute.String("phase", m.Phase),
		attribute.String("outcome", m.Outcome),
	)

	if fetchDuration != nil {
		fetchDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if fetchTotal != nil {
		fetchTotal.Add(ctx, 1, attrs)
	}
}

// BatchMetrics describes one finished batch round.
type BatchMetrics struct {
	Source     string
	Status     string
	Discovered int
	Archived   int
	Duration   time.Duration
}

// RecordBatch emits batch round metrics when instrumentation is initialised.
func RecordBatch(ctx context.Context, m BatchMetrics) {
	if batchDuration != nil {
		batchDuration.Record(ctx, float64(m.Duration.Milliseconds()),
			metric.WithAttributes(
				attribute.String("source", m.Source),
				attribute.String("status", m.Status),
			))
	}
	if archivedTotal != nil && m.Archived > 0 {
		archivedTotal.Add(ctx, int64(m.Archived),
			metric.WithAttributes(attribute.String("source", m.Source)))
	}
}

// StartRunSpan starts the root span for one crawl run. Fetch spans from the
// traced HTTP transport parent under it through the returned context.
func StartRunSpan(ctx context.Context, source, runID string) (context.Context, trace.Span) {
	t := runTracer
	if t == nil {
		t = otel.Tracer("scout/scraper")
	}

	return t.Start(ctx, "scraper.run", trace.WithAttributes(
		attribute.String("scraper.source", source),
		attribute.String("scraper.run_id", runID),
	))
}
