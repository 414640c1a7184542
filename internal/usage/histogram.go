// Package usage computes the per-tool usage report from stored metric points
// or, when a tool has none, from raw spans.
package usage

import (
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

// HistogramSummary is the result of merging histogram datapoints that share
// bucket boundaries.
//
// Percentiles are upper-bound approximations: each one is the upper boundary
// of the first bucket whose cumulative count reaches the target rank, so the
// true value lies anywhere inside that bucket. Mass in the overflow bucket
// resolves to the largest finite boundary.
type HistogramSummary struct {
	Count   int64
	Sum     float64
	P50     float64
	P95     float64
	P99     float64
	Avg     float64
	Merged  int
	Skipped int
}

// MergeHistograms sums the bucket counts of every histogram point whose
// boundaries match the first point that has both boundaries and counts.
// Points with other boundaries, missing arrays or negative counts are
// skipped. With nothing merged every statistic is 0.
func MergeHistograms(points []telemetry.MetricPoint) HistogramSummary {
	var (
		summary HistogramSummary
		bounds  []float64
		counts  []int64
	)

	for _, point := range points {
		if point.Kind != telemetry.MetricKindHistogram {
			continue
		}
		if !mergeable(point) {
			summary.Skipped++
			continue
		}
		if bounds == nil {
			bounds = point.ExplicitBounds
			counts = make([]int64, len(point.BucketCounts))
		} else if !sameBounds(bounds, point.ExplicitBounds) {
			summary.Skipped++
			continue
		}

		for i, c := range point.BucketCounts {
			counts[i] += c
			summary.Count += c
		}
		if point.Sum != nil {
			summary.Sum += *point.Sum
		}
		summary.Merged++
	}

	if summary.Count == 0 {
		summary.Sum = 0
		return summary
	}
	summary.P50 = bucketPercentile(bounds, counts, summary.Count, 0.50)
	summary.P95 = bucketPercentile(bounds, counts, summary.Count, 0.95)
	summary.P99 = bucketPercentile(bounds, counts, summary.Count, 0.99)
	summary.Avg = summary.Sum / float64(summary.Count)
	return summary
}

func mergeable(point telemetry.MetricPoint) bool {
	if len(point.ExplicitBounds) == 0 || len(point.BucketCounts) != len(point.ExplicitBounds)+1 {
		return false
	}
	for _, c := range point.BucketCounts {
		if c < 0 {
			return false
		}
	}
	return true
}

func sameBounds(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bucketPercentile(bounds []float64, counts []int64, total int64, p float64) float64 {
	target := float64(total) * p
	var cumulative int64
	for i, c := range counts {
		cumulative += c
		if float64(cumulative) >= target {
			if i < len(bounds) {
				return bounds[i]
			}
			return bounds[len(bounds)-1]
		}
	}
	return bounds[len(bounds)-1]
}
