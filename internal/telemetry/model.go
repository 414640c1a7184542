package telemetry

import "time"

// SpanKind is the normalized OTLP span kind.
type SpanKind string

const (
	SpanKindUnspecified SpanKind = "UNSPECIFIED"
	SpanKindInternal    SpanKind = "INTERNAL"
	SpanKindServer      SpanKind = "SERVER"
	SpanKindClient      SpanKind = "CLIENT"
	SpanKindProducer    SpanKind = "PRODUCER"
	SpanKindConsumer    SpanKind = "CONSUMER"
)

// StatusCode is the normalized OTLP span status.
type StatusCode string

const (
	StatusUnset StatusCode = "UNSET"
	StatusOK    StatusCode = "OK"
	StatusError StatusCode = "ERROR"
)

// MetricKind tags which value fields of a MetricPoint are populated.
type MetricKind string

const (
	MetricKindSum                  MetricKind = "sum"
	MetricKindGauge                MetricKind = "gauge"
	MetricKindHistogram            MetricKind = "histogram"
	MetricKindExponentialHistogram MetricKind = "exponential_histogram"
	MetricKindSummary              MetricKind = "summary"
)

const (
	SignalTraces  = "traces"
	SignalMetrics = "metrics"
)

// ToolProfile is the rolling per-(customer, vendor) summary.
type ToolProfile struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	VendorSlug  string    `json:"vendorSlug"`
	DisplayName string    `json:"displayName"`
	Category    string    `json:"category"`
	TotalSpans  int64     `json:"totalSpans"`
	TotalTraces int64     `json:"totalTraces"`
	TotalErrors int64     `json:"totalErrors"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Span is one normalized OTLP span. Times carry millisecond precision.
type Span struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customerId"`
	UserID             string            `json:"userId,omitempty"`
	TeamID             string            `json:"teamId,omitempty"`
	ToolProfileID      string            `json:"toolProfileId,omitempty"`
	TraceID            string            `json:"traceId"`
	SpanID             string            `json:"spanId"`
	ParentSpanID       string            `json:"parentSpanId,omitempty"`
	Name               string            `json:"name"`
	Kind               SpanKind          `json:"kind"`
	StartTime          time.Time         `json:"startTime"`
	EndTime            *time.Time        `json:"endTime,omitempty"`
	DurationMS         *int64            `json:"durationMs,omitempty"`
	StatusCode         StatusCode        `json:"statusCode"`
	StatusMessage      string            `json:"statusMessage,omitempty"`
	VendorSlug         string            `json:"vendorSlug"`
	ServiceName        string            `json:"serviceName,omitempty"`
	ResourceAttributes map[string]string `json:"resourceAttributes"`
	SpanAttributes     map[string]string `json:"spanAttributes"`
	SignalType         string            `json:"signalType"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// QuantileValue is one summary quantile.
type QuantileValue struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// MetricPoint is one normalized OTLP datapoint. Only the value fields
// relevant to Kind are set; when both BucketCounts and ExplicitBounds are
// present, len(BucketCounts) == len(ExplicitBounds)+1.
type MetricPoint struct {
	ID             string            `json:"id"`
	CustomerID     string            `json:"customerId"`
	UserID         string            `json:"userId,omitempty"`
	TeamID         string            `json:"teamId,omitempty"`
	ToolProfileID  string            `json:"toolProfileId,omitempty"`
	VendorSlug     string            `json:"vendorSlug"`
	ServiceName    string            `json:"serviceName,omitempty"`
	MetricName     string            `json:"metricName"`
	Kind           MetricKind        `json:"metricKind"`
	Unit           string            `json:"unit"`
	Description    string            `json:"description"`
	Attributes     map[string]string `json:"attributes"`
	ValueDouble    *float64          `json:"valueDouble,omitempty"`
	ValueInt       *int64            `json:"valueInt,omitempty"`
	Count          *int64            `json:"count,omitempty"`
	Sum            *float64          `json:"sum,omitempty"`
	Min            *float64          `json:"min,omitempty"`
	Max            *float64          `json:"max,omitempty"`
	BucketCounts   []int64           `json:"bucketCounts,omitempty"`
	ExplicitBounds []float64         `json:"explicitBounds,omitempty"`
	QuantileValues []QuantileValue   `json:"quantileValues,omitempty"`
	Time           time.Time         `json:"time"`
	StartTime      *time.Time        `json:"startTime,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Scalar returns the sum/gauge value of the point, preferring the double
// representation. ok is false when neither value is set.
func (p MetricPoint) Scalar() (value float64, ok bool) {
	switch {
	case p.ValueDouble != nil:
		return *p.ValueDouble, true
	case p.ValueInt != nil:
		return float64(*p.ValueInt), true
	default:
		return 0, false
	}
}
