package usage

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	AttrInputTokens      = "gen_ai.usage.input_tokens"
	AttrOutputTokens     = "gen_ai.usage.output_tokens"
	AttrPromptTokens     = "gen_ai.usage.prompt_tokens"
	AttrCompletionTokens = "gen_ai.usage.completion_tokens"
)

// SpanStrategy rolls usage up from raw spans. Every span counts as one
// request and latency percentiles are exact.
type SpanStrategy struct {
	Spans []telemetry.Span
}

func (s SpanStrategy) ComputeUsage(window Window) Report {
	r := newRollup(window)
	durations := make(map[string][]float64)
	var all []float64

	for _, span := range s.Spans {
		if !window.contains(span.StartTime) {
			continue
		}
		model := modelKey(span.SpanAttributes)
		input := tokenAttribute(span.SpanAttributes, AttrInputTokens, AttrPromptTokens)
		output := tokenAttribute(span.SpanAttributes, AttrOutputTokens, AttrCompletionTokens)

		for _, g := range r.groups(model, span.StartTime) {
			g.requests++
			g.sawRequests = true
			if span.StatusCode == telemetry.StatusError {
				g.errors++
			}
			g.inputTokens += input
			g.outputTokens += output
		}

		if span.DurationMS != nil && *span.DurationMS >= 0 {
			d := float64(*span.DurationMS)
			durations[model] = append(durations[model], d)
			all = append(all, d)
		}
	}

	rows := make([]ModelLatency, 0, len(durations))
	for model, values := range durations {
		sort.Float64s(values)
		rows = append(rows, ModelLatency{
			Model:   model,
			Samples: int64(len(values)),
			P50Ms:   ExactPercentile(values, 0.50),
			P95Ms:   ExactPercentile(values, 0.95),
			P99Ms:   ExactPercentile(values, 0.99),
			AvgMs:   mean(values),
		})
	}
	return r.report(SourceSpans, rows, mean(all))
}

// ExactPercentile returns the nearest-rank percentile of sorted: the
// smallest observed value with at least p of the samples at or below it.
// An empty input yields 0.
func ExactPercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// The epsilon keeps p*n products like 0.95*20 from rounding up a rank.
	rank := int(math.Ceil(p*float64(n)-1e-9)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// tokenAttribute reads the first key that holds a finite non-negative number.
func tokenAttribute(attrs map[string]string, keys ...string) float64 {
	for _, key := range keys {
		raw := strings.TrimSpace(attrs[key])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			continue
		}
		return v
	}
	return 0
}
