package otlp

import (
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

// DecodeMetric produces one MetricPoint per datapoint of the first populated
// kind, checked in the order sum, gauge, histogram, exponentialHistogram,
// summary. Unparsable numerics become nil instead of failing the batch.
func DecodeMetric(metric Metric, rc ResourceContext) []telemetry.MetricPoint {
	switch {
	case metric.Sum != nil:
		return decodeNumberPoints(metric, telemetry.MetricKindSum, metric.Sum.DataPoints, rc)
	case metric.Gauge != nil:
		return decodeNumberPoints(metric, telemetry.MetricKindGauge, metric.Gauge.DataPoints, rc)
	case metric.Histogram != nil:
		out := make([]telemetry.MetricPoint, 0, len(metric.Histogram.DataPoints))
		for _, dp := range metric.Histogram.DataPoints {
			point := newPoint(metric, telemetry.MetricKindHistogram, dp.Attributes, dp.TimeUnixNano, dp.StartTimeUnixNano, rc)
			point.Count = int64Ptr(dp.Count)
			point.Sum = float64Ptr(dp.Sum)
			point.Min = float64Ptr(dp.Min)
			point.Max = float64Ptr(dp.Max)
			point.BucketCounts, point.ExplicitBounds = decodeBuckets(dp.BucketCounts, dp.ExplicitBounds)
			out = append(out, point)
		}
		return out
	case metric.ExponentialHistogram != nil:
		out := make([]telemetry.MetricPoint, 0, len(metric.ExponentialHistogram.DataPoints))
		for _, dp := range metric.ExponentialHistogram.DataPoints {
			point := newPoint(metric, telemetry.MetricKindExponentialHistogram, dp.Attributes, dp.TimeUnixNano, dp.StartTimeUnixNano, rc)
			point.Count = int64Ptr(dp.Count)
			point.Sum = float64Ptr(dp.Sum)
			point.Min = float64Ptr(dp.Min)
			point.Max = float64Ptr(dp.Max)
			out = append(out, point)
		}
		return out
	case metric.Summary != nil:
		out := make([]telemetry.MetricPoint, 0, len(metric.Summary.DataPoints))
		for _, dp := range metric.Summary.DataPoints {
			point := newPoint(metric, telemetry.MetricKindSummary, dp.Attributes, dp.TimeUnixNano, dp.StartTimeUnixNano, rc)
			point.Count = int64Ptr(dp.Count)
			point.Sum = float64Ptr(dp.Sum)
			point.QuantileValues = decodeQuantiles(dp.QuantileValues)
			out = append(out, point)
		}
		return out
	}
	return nil
}

func decodeNumberPoints(metric Metric, kind telemetry.MetricKind, dps List[NumberDataPoint], rc ResourceContext) []telemetry.MetricPoint {
	out := make([]telemetry.MetricPoint, 0, len(dps))
	for _, dp := range dps {
		point := newPoint(metric, kind, dp.Attributes, dp.TimeUnixNano, dp.StartTimeUnixNano, rc)
		point.ValueInt = int64Ptr(dp.AsInt)
		point.ValueDouble = float64Ptr(dp.AsDouble)
		out = append(out, point)
	}
	return out
}

func newPoint(metric Metric, kind telemetry.MetricKind, attrs List[KeyValue], timeNanos, startNanos Number, rc ResourceContext) telemetry.MetricPoint {
	point := telemetry.MetricPoint{
		CustomerID:  rc.CustomerID,
		UserID:      rc.UserID,
		TeamID:      rc.TeamID,
		VendorSlug:  rc.VendorSlug,
		ServiceName: rc.ServiceName,
		MetricName:  string(metric.Name),
		Kind:        kind,
		Unit:        string(metric.Unit),
		Description: string(metric.Description),
		Attributes:  rc.withIdentity(FlattenAttributes(attrs)),
	}

	at, ok := timeNanos.UnixMilli()
	if !ok {
		at = rc.receivedAt()
	}
	point.Time = at
	if start, ok := startNanos.UnixMilli(); ok {
		point.StartTime = &start
	}
	return point
}

// decodeBuckets keeps each array only when every element parses, and drops
// both when their lengths break len(counts) == len(bounds)+1.
func decodeBuckets(countsRaw, boundsRaw Number) ([]int64, []float64) {
	counts, countsOK := countsRaw.Int64s()
	bounds, boundsOK := boundsRaw.Float64s()
	if !countsOK || len(counts) == 0 {
		counts = nil
	}
	if !boundsOK || len(bounds) == 0 {
		bounds = nil
	}
	if counts != nil && bounds != nil && len(counts) != len(bounds)+1 {
		return nil, nil
	}
	return counts, bounds
}

func decodeQuantiles(values List[QuantileValue]) []telemetry.QuantileValue {
	if len(values) == 0 {
		return nil
	}
	out := make([]telemetry.QuantileValue, 0, len(values))
	for _, qv := range values {
		quantile, ok := protoDefaultFloat(qv.Quantile)
		if !ok {
			continue
		}
		value, ok := protoDefaultFloat(qv.Value)
		if !ok {
			continue
		}
		out = append(out, telemetry.QuantileValue{Quantile: quantile, Value: value})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// protoDefaultFloat reads an absent field as the proto3 default 0; a field
// that is present but unparsable is rejected.
func protoDefaultFloat(n Number) (float64, bool) {
	if !n.Present() {
		return 0, true
	}
	return n.Float64()
}
