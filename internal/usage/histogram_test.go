package usage

import (
	"testing"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

func histogramPoint(bounds []float64, counts []int64, sum float64) telemetry.MetricPoint {
	return telemetry.MetricPoint{
		MetricName:     "latency",
		Kind:           telemetry.MetricKindHistogram,
		Unit:           "ms",
		ExplicitBounds: bounds,
		BucketCounts:   counts,
		Sum:            &sum,
	}
}

func TestMergeHistogramsSingleBucketMass(t *testing.T) {
	t.Parallel()

	got := MergeHistograms([]telemetry.MetricPoint{
		histogramPoint([]float64{10, 50, 100}, []int64{0, 0, 10, 0}, 820),
	})
	if got.P50 != 100 || got.P95 != 100 || got.P99 != 100 {
		t.Fatalf("percentiles=%v/%v/%v, want 100/100/100", got.P50, got.P95, got.P99)
	}
	if got.Count != 10 || got.Sum != 820 || got.Avg != 82 {
		t.Fatalf("count=%d sum=%v avg=%v, want 10/820/82", got.Count, got.Sum, got.Avg)
	}
	if got.Merged != 1 || got.Skipped != 0 {
		t.Fatalf("merged=%d skipped=%d, want 1/0", got.Merged, got.Skipped)
	}
}

func TestMergeHistogramsSkipsMismatchedBoundaries(t *testing.T) {
	t.Parallel()

	got := MergeHistograms([]telemetry.MetricPoint{
		histogramPoint([]float64{10, 50, 100}, []int64{0, 0, 10, 0}, 820),
		histogramPoint([]float64{10, 50, 200}, []int64{50, 0, 0, 0}, 100),
		histogramPoint([]float64{10, 50}, []int64{50, 0, 0}, 100),
	})
	if got.Count != 10 || got.Merged != 1 || got.Skipped != 2 {
		t.Fatalf("count=%d merged=%d skipped=%d, want 10/1/2", got.Count, got.Merged, got.Skipped)
	}
	if got.P50 != 100 {
		t.Fatalf("P50=%v, want 100 (mismatched points must not shift it)", got.P50)
	}
}

func TestMergeHistogramsCumulativeAndOverflow(t *testing.T) {
	t.Parallel()

	got := MergeHistograms([]telemetry.MetricPoint{
		histogramPoint([]float64{10, 50, 100}, []int64{5, 0, 0, 0}, 25),
		histogramPoint([]float64{10, 50, 100}, []int64{0, 0, 0, 5}, 1000),
	})
	if got.Count != 10 || got.Merged != 2 {
		t.Fatalf("count=%d merged=%d, want 10/2", got.Count, got.Merged)
	}
	if got.P50 != 10 {
		t.Fatalf("P50=%v, want 10", got.P50)
	}
	if got.P95 != 100 || got.P99 != 100 {
		t.Fatalf("overflow percentiles=%v/%v, want largest finite bound 100", got.P95, got.P99)
	}
}

func TestMergeHistogramsEmptyInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		points []telemetry.MetricPoint
	}{
		{name: "nil", points: nil},
		{name: "non-histogram", points: []telemetry.MetricPoint{{Kind: telemetry.MetricKindGauge}}},
		{name: "no buckets", points: []telemetry.MetricPoint{{Kind: telemetry.MetricKindHistogram}}},
		{name: "all zero", points: []telemetry.MetricPoint{histogramPoint([]float64{1}, []int64{0, 0}, 0)}},
		{name: "negative counts", points: []telemetry.MetricPoint{histogramPoint([]float64{1}, []int64{-3, 1}, 2)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MergeHistograms(tt.points)
			if got.Count != 0 || got.Sum != 0 || got.P50 != 0 || got.P95 != 0 || got.P99 != 0 || got.Avg != 0 {
				t.Fatalf("MergeHistograms()=%+v, want zero statistics", got)
			}
		})
	}
}
