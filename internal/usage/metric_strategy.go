package usage

import (
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

// MetricStrategy rolls usage up from stored metric points. Latency
// percentiles come from merged histogram buckets; latency points without
// buckets are averaged instead and report zero percentiles.
type MetricStrategy struct {
	Points []telemetry.MetricPoint
}

type latencyGroup struct {
	histograms []telemetry.MetricPoint
	weighted   float64
	weight     float64
}

func (s MetricStrategy) ComputeUsage(window Window) Report {
	r := newRollup(window)
	latency := make(map[string]*latencyGroup)

	for _, point := range s.Points {
		if !window.contains(point.Time) {
			continue
		}
		class := classify(point)
		if class == classIgnored {
			continue
		}
		model := modelKey(point.Attributes)
		groups := r.groups(model, point.Time)

		if class == classLatency {
			count := observeLatency(lookupLatency(latency, model), scaleLatency(point))
			for _, g := range groups {
				g.latencyCount += count
			}
			continue
		}

		value, ok := magnitude(point, class)
		if !ok {
			continue
		}
		for _, g := range groups {
			switch class {
			case classRequests:
				g.requests += value
				g.sawRequests = true
			case classErrors:
				g.errors += value
			case classInputTokens:
				g.inputTokens += value
			case classOutputTokens:
				g.outputTokens += value
			}
		}
	}

	rows := make([]ModelLatency, 0, len(latency))
	var weightedAvg, samples float64
	for model, group := range latency {
		row := group.summarize(model)
		rows = append(rows, row)
		weightedAvg += row.AvgMs * float64(row.Samples)
		samples += float64(row.Samples)
	}
	var avgDurationMs float64
	if samples > 0 {
		avgDurationMs = weightedAvg / samples
	}
	return r.report(SourceMetrics, rows, avgDurationMs)
}

func lookupLatency(m map[string]*latencyGroup, model string) *latencyGroup {
	g, ok := m[model]
	if !ok {
		g = &latencyGroup{}
		m[model] = g
	}
	return g
}

// observeLatency records one millisecond-scaled latency point and returns the
// number of requests it describes, used when a group has no request counter.
func observeLatency(group *latencyGroup, point telemetry.MetricPoint) float64 {
	switch point.Kind {
	case telemetry.MetricKindSum, telemetry.MetricKindGauge:
		if value, ok := point.Scalar(); ok {
			group.weighted += value
			group.weight++
		}
		return 0
	case telemetry.MetricKindHistogram:
		if len(point.BucketCounts) > 0 && len(point.ExplicitBounds) > 0 {
			group.histograms = append(group.histograms, point)
			return float64(histogramCount(point))
		}
	}

	if point.Count == nil || *point.Count <= 0 {
		return 0
	}
	count := float64(*point.Count)
	if point.Sum != nil {
		group.weighted += *point.Sum
		group.weight += count
	}
	return count
}

func histogramCount(point telemetry.MetricPoint) int64 {
	if point.Count != nil {
		return *point.Count
	}
	var total int64
	for _, c := range point.BucketCounts {
		total += c
	}
	return total
}

func (g *latencyGroup) summarize(model string) ModelLatency {
	row := ModelLatency{Model: model}
	if merged := MergeHistograms(g.histograms); merged.Count > 0 {
		row.Samples = merged.Count
		row.P50Ms = merged.P50
		row.P95Ms = merged.P95
		row.P99Ms = merged.P99
		row.AvgMs = finite(merged.Avg)
		return row
	}
	if g.weight > 0 {
		row.Samples = round(g.weight)
		row.AvgMs = finite(g.weighted / g.weight)
	}
	return row
}
