package otlp

import (
	"maps"
	"strings"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

// Identity attribute keys merged into span and datapoint attributes.
const (
	AttrUserID = "user.id"
	AttrTeamID = "team.id"
)

// ResourceContext is what the decoders need to know about the resource a
// scope block belongs to and the caller that sent it.
type ResourceContext struct {
	CustomerID         string
	UserID             string
	TeamID             string
	VendorSlug         string
	ServiceName        string
	ResourceAttributes map[string]string
	// ReceivedAt replaces missing start and point timestamps.
	ReceivedAt time.Time
}

func (rc ResourceContext) receivedAt() time.Time {
	if rc.ReceivedAt.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return rc.ReceivedAt.UTC().Truncate(time.Millisecond)
}

// withIdentity returns attrs with the caller identity merged in. The caller
// identity wins over any user.id or team.id the sender supplied.
func (rc ResourceContext) withIdentity(attrs map[string]string) map[string]string {
	if rc.UserID != "" {
		attrs[AttrUserID] = rc.UserID
	}
	if rc.TeamID != "" {
		attrs[AttrTeamID] = rc.TeamID
	}
	return attrs
}

var spanKindByNumber = []telemetry.SpanKind{
	telemetry.SpanKindUnspecified,
	telemetry.SpanKindInternal,
	telemetry.SpanKindServer,
	telemetry.SpanKindClient,
	telemetry.SpanKindProducer,
	telemetry.SpanKindConsumer,
}

func decodeSpanKind(n Number) telemetry.SpanKind {
	if v, ok := n.Int64(); ok {
		if v >= 0 && v < int64(len(spanKindByNumber)) {
			return spanKindByNumber[v]
		}
		return telemetry.SpanKindUnspecified
	}
	if name, ok := n.enumName(); ok {
		name = strings.TrimPrefix(name, "SPAN_KIND_")
		for _, kind := range spanKindByNumber {
			if string(kind) == name {
				return kind
			}
		}
	}
	return telemetry.SpanKindUnspecified
}

func decodeStatusCode(n Number) telemetry.StatusCode {
	if v, ok := n.Int64(); ok {
		switch v {
		case 2:
			return telemetry.StatusError
		case 1:
			return telemetry.StatusOK
		}
		return telemetry.StatusUnset
	}
	if name, ok := n.enumName(); ok {
		switch strings.TrimPrefix(name, "STATUS_CODE_") {
		case "ERROR":
			return telemetry.StatusError
		case "OK":
			return telemetry.StatusOK
		}
	}
	return telemetry.StatusUnset
}

// DecodeSpans normalizes every span of one scope block. It never rejects a
// span: missing ids stay empty and bad timestamps fall back to defaults.
// Duration is set only when both timestamps were sent and end >= start; an
// end time before the start is kept as sent.
func DecodeSpans(block ScopeSpans, rc ResourceContext) []telemetry.Span {
	out := make([]telemetry.Span, 0, len(block.Spans))
	for _, span := range block.Spans {
		out = append(out, decodeSpan(span, rc))
	}
	return out
}

func decodeSpan(span Span, rc ResourceContext) telemetry.Span {
	record := telemetry.Span{
		CustomerID:         rc.CustomerID,
		UserID:             rc.UserID,
		TeamID:             rc.TeamID,
		TraceID:            string(span.TraceID),
		SpanID:             string(span.SpanID),
		ParentSpanID:       string(span.ParentSpanID),
		Name:               string(span.Name),
		Kind:               decodeSpanKind(span.Kind),
		StatusCode:         decodeStatusCode(span.Status.Code),
		StatusMessage:      string(span.Status.Message),
		VendorSlug:         rc.VendorSlug,
		ServiceName:        rc.ServiceName,
		ResourceAttributes: cloneAttributes(rc.ResourceAttributes),
		SpanAttributes:     rc.withIdentity(FlattenAttributes(span.Attributes)),
		SignalType:         telemetry.SignalTraces,
	}

	start, hasStart := span.StartTimeUnixNano.UnixMilli()
	if !hasStart {
		start = rc.receivedAt()
	}
	record.StartTime = start

	if end, hasEnd := span.EndTimeUnixNano.UnixMilli(); hasEnd {
		record.EndTime = &end
		if hasStart && !end.Before(start) {
			duration := end.UnixMilli() - start.UnixMilli()
			record.DurationMS = &duration
		}
	}
	return record
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return maps.Clone(attrs)
}
