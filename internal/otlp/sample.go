package otlp

import (
	"fmt"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// SampleTraces renders a canonical OTLP/JSON traces request with three spans
// for serviceName: two successful calls of 100ms and 200ms and one failed
// call that never ended.
func SampleTraces(serviceName string, now time.Time) ([]byte, error) {
	base := uint64(now.UTC().Add(-time.Minute).UnixNano())
	ms := uint64(time.Millisecond)
	traceID := []byte{0x5b, 0x8e, 0xfb, 0xf7, 0x98, 0x92, 0x37, 0x4e, 0x9e, 0x11, 0x3a, 0x5c, 0x0f, 0x3d, 0x7a, 0x01}
	otherTraceID := []byte{0x5b, 0x8e, 0xfb, 0xf7, 0x98, 0x92, 0x37, 0x4e, 0x9e, 0x11, 0x3a, 0x5c, 0x0f, 0x3d, 0x7a, 0x02}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				stringKV("service.name", serviceName),
				stringKV("service.version", "1.0.0"),
				stringKV("telemetry.sdk.language", "go"),
			}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "tooltelemetry.sample"},
				Spans: []*tracepb.Span{
					{
						TraceId:           traceID,
						SpanId:            []byte{1, 0, 0, 0, 0, 0, 0, 1},
						Name:              "chat claude-sonnet-4",
						Kind:              tracepb.Span_SPAN_KIND_CLIENT,
						StartTimeUnixNano: base,
						EndTimeUnixNano:   base + 100*ms,
						Attributes: []*commonpb.KeyValue{
							stringKV("gen_ai.request.model", "claude-sonnet-4"),
							intKV("gen_ai.usage.input_tokens", 120),
							intKV("gen_ai.usage.output_tokens", 80),
						},
						Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
					},
					{
						TraceId:           traceID,
						SpanId:            []byte{1, 0, 0, 0, 0, 0, 0, 2},
						ParentSpanId:      []byte{1, 0, 0, 0, 0, 0, 0, 1},
						Name:              "chat claude-sonnet-4",
						Kind:              tracepb.Span_SPAN_KIND_CLIENT,
						StartTimeUnixNano: base + 150*ms,
						EndTimeUnixNano:   base + 350*ms,
						Attributes: []*commonpb.KeyValue{
							stringKV("gen_ai.request.model", "claude-sonnet-4"),
							intKV("gen_ai.usage.input_tokens", 300),
							intKV("gen_ai.usage.output_tokens", 150),
						},
					},
					{
						TraceId:           otherTraceID,
						SpanId:            []byte{1, 0, 0, 0, 0, 0, 0, 3},
						Name:              "chat claude-haiku-4",
						Kind:              tracepb.Span_SPAN_KIND_CLIENT,
						StartTimeUnixNano: base + 400*ms,
						Attributes: []*commonpb.KeyValue{
							stringKV("gen_ai.request.model", "claude-haiku-4"),
						},
						Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "overloaded"},
					},
				},
			}},
		}},
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sample traces: %w", err)
	}
	return raw, nil
}

// SampleMetrics renders a canonical OTLP/JSON metrics request carrying the
// gen_ai client duration and token histograms plus a request counter.
func SampleMetrics(serviceName string, now time.Time) ([]byte, error) {
	end := uint64(now.UTC().UnixNano())
	start := uint64(now.UTC().Add(-time.Minute).UnixNano())
	model := stringKV("gen_ai.request.model", "gpt-4o")

	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				stringKV("service.name", serviceName),
			}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope: &commonpb.InstrumentationScope{Name: "tooltelemetry.sample"},
				Metrics: []*metricspb.Metric{
					{
						Name: "gen_ai.client.operation.duration",
						Unit: "s",
						Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
							AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
							DataPoints: []*metricspb.HistogramDataPoint{{
								Attributes:        []*commonpb.KeyValue{model},
								StartTimeUnixNano: start,
								TimeUnixNano:      end,
								Count:             10,
								Sum:               float64Value(0.82),
								BucketCounts:      []uint64{0, 0, 10, 0},
								ExplicitBounds:    []float64{0.01, 0.05, 0.1},
							}},
						}},
					},
					{
						Name: "gen_ai.client.token.usage",
						Unit: "{token}",
						Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
							AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
							DataPoints: []*metricspb.HistogramDataPoint{
								{
									Attributes:        []*commonpb.KeyValue{model, stringKV("gen_ai.token.type", "input")},
									StartTimeUnixNano: start,
									TimeUnixNano:      end,
									Count:             10,
									Sum:               float64Value(1200),
								},
								{
									Attributes:        []*commonpb.KeyValue{model, stringKV("gen_ai.token.type", "output")},
									StartTimeUnixNano: start,
									TimeUnixNano:      end,
									Count:             10,
									Sum:               float64Value(450),
								},
							},
						}},
					},
					{
						Name: "gen_ai.client.request.errors",
						Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
							IsMonotonic:            true,
							AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
							DataPoints: []*metricspb.NumberDataPoint{{
								Attributes:        []*commonpb.KeyValue{model},
								StartTimeUnixNano: start,
								TimeUnixNano:      end,
								Value:             &metricspb.NumberDataPoint_AsInt{AsInt: 1},
							}},
						}},
					},
				},
			}},
		}},
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sample metrics: %w", err)
	}
	return raw, nil
}

func stringKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}}
}

func intKV(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}}}
}

func float64Value(v float64) *float64 {
	return &v
}
