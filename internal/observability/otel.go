package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/tooltelemetry/internal/auth"
	"github.com/ongoingai/tooltelemetry/internal/config"
	"github.com/ongoingai/tooltelemetry/internal/correlation"
	"github.com/ongoingai/tooltelemetry/internal/metering"
	"github.com/ongoingai/tooltelemetry/internal/pathutil"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	instrumentationName = "ongoingai.tooltelemetry"
)

// Runtime exposes OpenTelemetry HTTP wrappers and pipeline counters. A
// disabled Runtime is a no-op, so callers never need nil checks.
type Runtime struct {
	enabled bool
	meter   metric.Meter
	logger  *slog.Logger

	spansAccepted      metric.Int64Counter
	datapointsAccepted metric.Int64Counter
	ingestFailed       metric.Int64Counter
	vendorDiscovered   metric.Int64Counter
	meteringDropped    metric.Int64Counter
	meteringFailed     metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and pipeline instruments.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme decides transport security.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.instrument(otel.Meter(instrumentationName), logger)

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

// instrument creates the pipeline counters on meter and enables the runtime.
func (r *Runtime) instrument(meter metric.Meter, logger *slog.Logger) {
	r.meter = meter
	r.logger = logger
	r.spansAccepted = r.counter("tooltelemetry.ingest.spans_accepted_total", "Spans persisted by the ingest endpoint.")
	r.datapointsAccepted = r.counter("tooltelemetry.ingest.datapoints_accepted_total", "Metric data points persisted by the ingest endpoint.")
	r.ingestFailed = r.counter("tooltelemetry.ingest.failed_total", "Ingest batches that failed in persistence.")
	r.vendorDiscovered = r.counter("tooltelemetry.vendor.discovered_total", "Tool profiles created by their first batch.")
	r.meteringDropped = r.counter("tooltelemetry.metering.dropped_total", "Metering events dropped because the dispatch queue was full.")
	r.meteringFailed = r.counter("tooltelemetry.metering.failed_total", "Metering events that could not be recorded or published.")
	r.enabled = true
}

func (r *Runtime) counter(name, description string) metric.Int64Counter {
	counter, err := r.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && r.logger != nil {
		r.logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
	}
	return counter
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"tooltelemetry.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds caller attributes to the server span and
// marks it as an error on 5xx responses.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		if statusCode := recorder.StatusCode(); statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := make([]attribute.KeyValue, 0, 4)
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("tooltelemetry.correlation_id", correlationID))
		}
		if identity, ok := auth.IdentityFromContext(req.Context()); ok {
			if customerID := strings.TrimSpace(identity.CustomerID); customerID != "" {
				attrs = append(attrs, attribute.String("tooltelemetry.customer_id", customerID))
			}
			if keyID := strings.TrimSpace(identity.KeyID); keyID != "" {
				attrs = append(attrs, attribute.String("tooltelemetry.key_id", keyID))
			}
			if role := strings.TrimSpace(identity.Role); role != "" {
				attrs = append(attrs, attribute.String("tooltelemetry.role", role))
			}
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// RecordIngestBatch counts accepted spans or data points.
func (r *Runtime) RecordIngestBatch(signal string, accepted int) {
	if !r.Enabled() || accepted <= 0 {
		return
	}
	counter := r.spansAccepted
	if signal == telemetry.SignalMetrics {
		counter = r.datapointsAccepted
	}
	if counter == nil {
		return
	}
	counter.Add(context.Background(), int64(accepted))
}

// RecordIngestFailure counts a batch that failed in persistence.
func (r *Runtime) RecordIngestFailure(signal, errorClass string) {
	if !r.Enabled() || r.ingestFailed == nil {
		return
	}
	r.ingestFailed.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			attribute.String("signal", signal),
			attribute.String("error_class", errorClass),
		),
	)
}

// RecordVendorDiscovered counts a newly created tool profile.
func (r *Runtime) RecordVendorDiscovered(vendorSlug string) {
	if !r.Enabled() || r.vendorDiscovered == nil {
		return
	}
	r.vendorDiscovered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("vendor", vendorSlug)))
}

// RecordMeteringFailure counts an event the metering sink refused.
func (r *Runtime) RecordMeteringFailure(eventType string) {
	r.recordMeteringFailure(attribute.String("event_type", eventType))
}

func (r *Runtime) recordMeteringFailure(attrs ...attribute.KeyValue) {
	if !r.Enabled() || r.meteringFailed == nil {
		return
	}
	r.meteringFailed.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// DispatcherMetrics returns callbacks for the metering dispatcher.
func (r *Runtime) DispatcherMetrics() *metering.DispatcherMetrics {
	if !r.Enabled() {
		return nil
	}
	return &metering.DispatcherMetrics{
		OnDrop: func() {
			if r.meteringDropped != nil {
				r.meteringDropped.Add(context.Background(), 1)
			}
		},
		OnFailure: func(failure metering.PublishFailure) {
			r.recordMeteringFailure(
				attribute.String("operation", failure.Operation),
				attribute.String("error_class", failure.ErrorClass),
			)
		},
	}
}

// RegisterQueueDepthGauge reports the metering queue depth on every collection.
func (r *Runtime) RegisterQueueDepthGauge(depth func() int) {
	if !r.Enabled() || depth == nil || r.meter == nil {
		return
	}
	_, err := r.meter.Int64ObservableGauge(
		"tooltelemetry.metering.queue_depth",
		metric.WithDescription("Metering events waiting in the dispatch queue."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil && r.logger != nil {
		r.logger.Warn("failed to create opentelemetry gauge", "metric", "tooltelemetry.metering.queue_depth", "error", err)
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case path == "/v1/traces" || path == "/v1/metrics":
		return path
	case pathutil.HasPathPrefix(path, "/api/tool-profiles"):
		return "/api/tool-profiles/*"
	case pathutil.HasPathPrefix(path, "/api"):
		return "/api/*"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		method = "UNKNOWN"
	}
	return method + " " + routePatternForPath(path)
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
