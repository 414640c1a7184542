// Package otlp decodes OTLP/JSON trace and metric payloads into normalized
// telemetry records. All coercion of loosely typed JSON happens here.
package otlp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload marks a batch-shape error: the body is not a JSON object
// or its top-level resource array is missing or not an array.
var ErrInvalidPayload = errors.New("invalid otlp payload")

type TracesRequest struct {
	ResourceSpans List[ResourceSpans] `json:"resourceSpans"`
}

type ResourceSpans struct {
	Resource   Resource         `json:"resource"`
	ScopeSpans List[ScopeSpans] `json:"scopeSpans"`
}

type ScopeSpans struct {
	Scope Scope      `json:"scope"`
	Spans List[Span] `json:"spans"`
}

type Span struct {
	TraceID           Text           `json:"traceId"`
	SpanID            Text           `json:"spanId"`
	ParentSpanID      Text           `json:"parentSpanId"`
	Name              Text           `json:"name"`
	Kind              Number         `json:"kind"`
	StartTimeUnixNano Number         `json:"startTimeUnixNano"`
	EndTimeUnixNano   Number         `json:"endTimeUnixNano"`
	Attributes        List[KeyValue] `json:"attributes"`
	Status            Status         `json:"status"`
}

type Status struct {
	Code    Number `json:"code"`
	Message Text   `json:"message"`
}

type MetricsRequest struct {
	ResourceMetrics List[ResourceMetrics] `json:"resourceMetrics"`
}

type ResourceMetrics struct {
	Resource     Resource           `json:"resource"`
	ScopeMetrics List[ScopeMetrics] `json:"scopeMetrics"`
}

type ScopeMetrics struct {
	Scope   Scope        `json:"scope"`
	Metrics List[Metric] `json:"metrics"`
}

// Metric carries exactly one populated data kind in well-formed payloads.
type Metric struct {
	Name                 Text                      `json:"name"`
	Description          Text                      `json:"description"`
	Unit                 Text                      `json:"unit"`
	Sum                  *NumberData               `json:"sum"`
	Gauge                *NumberData               `json:"gauge"`
	Histogram            *HistogramData            `json:"histogram"`
	ExponentialHistogram *ExponentialHistogramData `json:"exponentialHistogram"`
	Summary              *SummaryData              `json:"summary"`
}

type NumberData struct {
	DataPoints List[NumberDataPoint] `json:"dataPoints"`
}

type NumberDataPoint struct {
	Attributes        List[KeyValue] `json:"attributes"`
	StartTimeUnixNano Number         `json:"startTimeUnixNano"`
	TimeUnixNano      Number         `json:"timeUnixNano"`
	AsInt             Number         `json:"asInt"`
	AsDouble          Number         `json:"asDouble"`
}

type HistogramData struct {
	DataPoints List[HistogramDataPoint] `json:"dataPoints"`
}

type HistogramDataPoint struct {
	Attributes        List[KeyValue] `json:"attributes"`
	StartTimeUnixNano Number         `json:"startTimeUnixNano"`
	TimeUnixNano      Number         `json:"timeUnixNano"`
	Count             Number         `json:"count"`
	Sum               Number         `json:"sum"`
	Min               Number         `json:"min"`
	Max               Number         `json:"max"`
	BucketCounts      Number         `json:"bucketCounts"`
	ExplicitBounds    Number         `json:"explicitBounds"`
}

type ExponentialHistogramData struct {
	DataPoints List[ExponentialHistogramDataPoint] `json:"dataPoints"`
}

type ExponentialHistogramDataPoint struct {
	Attributes        List[KeyValue] `json:"attributes"`
	StartTimeUnixNano Number         `json:"startTimeUnixNano"`
	TimeUnixNano      Number         `json:"timeUnixNano"`
	Count             Number         `json:"count"`
	Sum               Number         `json:"sum"`
	Min               Number         `json:"min"`
	Max               Number         `json:"max"`
}

type SummaryData struct {
	DataPoints List[SummaryDataPoint] `json:"dataPoints"`
}

type SummaryDataPoint struct {
	Attributes        List[KeyValue]      `json:"attributes"`
	StartTimeUnixNano Number              `json:"startTimeUnixNano"`
	TimeUnixNano      Number              `json:"timeUnixNano"`
	Count             Number              `json:"count"`
	Sum               Number              `json:"sum"`
	QuantileValues    List[QuantileValue] `json:"quantileValues"`
}

type QuantileValue struct {
	Quantile Number `json:"quantile"`
	Value    Number `json:"value"`
}

type Resource struct {
	Attributes List[KeyValue] `json:"attributes"`
}

type Scope struct {
	Name    Text `json:"name"`
	Version Text `json:"version"`
}

// ParseTraces validates the batch shape and decodes the rest leniently.
func ParseTraces(body []byte) (*TracesRequest, error) {
	raw, err := topLevelArray(body, "resourceSpans")
	if err != nil {
		return nil, err
	}
	req := &TracesRequest{}
	_ = json.Unmarshal(raw, &req.ResourceSpans)
	return req, nil
}

// ParseMetrics validates the batch shape and decodes the rest leniently.
func ParseMetrics(body []byte) (*MetricsRequest, error) {
	raw, err := topLevelArray(body, "resourceMetrics")
	if err != nil {
		return nil, err
	}
	req := &MetricsRequest{}
	_ = json.Unmarshal(raw, &req.ResourceMetrics)
	return req, nil
}

func topLevelArray(body []byte, key string) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is missing", ErrInvalidPayload, key)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: %s is not an array", ErrInvalidPayload, key)
	}
	return trimmed, nil
}

// List decodes a JSON array one element at a time. An element with a mistyped
// field keeps its other fields, an element of the wrong JSON type becomes the
// zero value, and a non-array becomes an empty list.
type List[T any] []T

func (l *List[T]) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		*l = nil
		return nil
	}
	out := make(List[T], 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			// A mistyped field leaves the rest of the item decoded.
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				var zero T
				item = zero
			}
		}
		out = append(out, item)
	}
	*l = out
	return nil
}

// Text accepts a JSON string, or keeps the literal text of any other value.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = ""
		return nil
	}
	*t = Text(trimmed)
	return nil
}
