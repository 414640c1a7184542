package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ongoingai/tooltelemetry/internal/correlation"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	return entry
}

func TestTraceLogHandlerAddsTraceIDAndSpanID(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx, span := tp.Tracer("test").Start(context.Background(), "ingest.batch")
	defer span.End()

	logger.InfoContext(ctx, "batch ingested", "signal", "traces")

	entry := decodeLogLine(t, &buf)
	if traceID, ok := entry["trace_id"].(string); !ok || len(traceID) != 32 {
		t.Fatalf("trace_id=%v, want 32 hex chars", entry["trace_id"])
	}
	if spanID, ok := entry["span_id"].(string); !ok || len(spanID) != 16 {
		t.Fatalf("span_id=%v, want 16 hex chars", entry["span_id"])
	}
	if entry["signal"] != "traces" {
		t.Fatalf("signal=%v, want traces", entry["signal"])
	}
}

func TestTraceLogHandlerAddsCorrelationID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := correlation.WithContext(context.Background(), "corr-log-1")
	logger.InfoContext(ctx, "request complete")

	entry := decodeLogLine(t, &buf)
	if entry["correlation_id"] != "corr-log-1" {
		t.Fatalf("correlation_id=%v, want corr-log-1", entry["correlation_id"])
	}
	if _, ok := entry["trace_id"]; ok {
		t.Fatal("trace_id present without an active span")
	}
}

func TestTraceLogHandlerWithAttrsAndGroupKeepEnrichment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil))).
		With("component", "ingest").
		WithGroup("batch")

	ctx := correlation.WithContext(context.Background(), "corr-log-2")
	logger.InfoContext(ctx, "grouped", "rows", 3)

	entry := decodeLogLine(t, &buf)
	if entry["component"] != "ingest" {
		t.Fatalf("component=%v, want ingest", entry["component"])
	}
	group, ok := entry["batch"].(map[string]any)
	if !ok {
		t.Fatalf("batch group=%v, want object", entry["batch"])
	}
	if group["rows"] != float64(3) || group["correlation_id"] != "corr-log-2" {
		t.Fatalf("batch group=%v", group)
	}
}

func TestTraceLogHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
}
