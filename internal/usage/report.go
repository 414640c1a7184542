package usage

import (
	"math"
	"sort"
	"time"
)

const (
	SourceMetrics = "metrics"
	SourceSpans   = "spans"
)

// Window bounds a report. Daily and per-model rollups cover [From, To];
// hourly rollups cover [HourlyFrom, To].
type Window struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	HourlyFrom time.Time `json:"hourlyFrom"`
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

func (w Window) inHourly(t time.Time) bool {
	return !t.Before(w.HourlyFrom) && w.contains(t)
}

// Report is the usage summary for one tool profile. Both strategies produce
// this shape; Source records which one ran.
type Report struct {
	Source       string         `json:"source"`
	Window       Window         `json:"window"`
	ModelUsage   []ModelUsage   `json:"modelUsage"`
	DailyUsage   []DailyUsage   `json:"dailyUsage"`
	HourlyTokens []HourlyTokens `json:"hourlyTokens"`
	ModelLatency []ModelLatency `json:"modelLatency"`
	Totals       Totals         `json:"totals"`
}

type ModelUsage struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

type DailyUsage struct {
	Date         string `json:"date"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

type HourlyTokens struct {
	Hour         string `json:"hour"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ModelLatency percentiles are bucket upper bounds for metric-driven reports
// and nearest-rank order statistics for span-driven reports, so every span
// percentile is an observed duration.
type ModelLatency struct {
	Model   string  `json:"model"`
	Samples int64   `json:"samples"`
	P50Ms   float64 `json:"p50Ms"`
	P95Ms   float64 `json:"p95Ms"`
	P99Ms   float64 `json:"p99Ms"`
	AvgMs   float64 `json:"avgMs"`
}

type Totals struct {
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	AvgTokensPerSec float64 `json:"avgTokensPerSec"`
	ErrorRate       float64 `json:"errorRate"`
}

// Strategy computes a report over one window of already loaded rows.
type Strategy interface {
	ComputeUsage(window Window) Report
}

// tally accumulates one group. requests falls back to latencyCount when the
// group never saw a request-count observation.
type tally struct {
	requests     float64
	sawRequests  bool
	errors       float64
	inputTokens  float64
	outputTokens float64
	latencyCount float64
}

func (t *tally) requestCount() int64 {
	if t.sawRequests {
		return round(t.requests)
	}
	return round(t.latencyCount)
}

// rollup groups tallies by model, day and hour.
type rollup struct {
	window Window
	models map[string]*tally
	days   map[string]*tally
	hours  map[string]*tally
}

func newRollup(window Window) *rollup {
	return &rollup{
		window: window,
		models: make(map[string]*tally),
		days:   make(map[string]*tally),
		hours:  make(map[string]*tally),
	}
}

// groups returns the tallies an observation at ts for model feeds.
func (r *rollup) groups(model string, ts time.Time) []*tally {
	ts = ts.UTC()
	out := []*tally{
		lookup(r.models, model),
		lookup(r.days, ts.Format(time.DateOnly)),
	}
	if r.window.inHourly(ts) {
		out = append(out, lookup(r.hours, ts.Truncate(time.Hour).Format(time.RFC3339)))
	}
	return out
}

func lookup(m map[string]*tally, key string) *tally {
	t, ok := m[key]
	if !ok {
		t = &tally{}
		m[key] = t
	}
	return t
}

// report assembles the sorted report. Totals are summed over the model
// groups; avgDurationMs is supplied by the strategy.
func (r *rollup) report(source string, latency []ModelLatency, avgDurationMs float64) Report {
	report := Report{
		Source:       source,
		Window:       r.window,
		ModelUsage:   make([]ModelUsage, 0, len(r.models)),
		DailyUsage:   make([]DailyUsage, 0, len(r.days)),
		HourlyTokens: make([]HourlyTokens, 0, len(r.hours)),
		ModelLatency: latency,
	}
	if report.ModelLatency == nil {
		report.ModelLatency = []ModelLatency{}
	}

	for model, t := range r.models {
		row := ModelUsage{
			Model:        model,
			Requests:     t.requestCount(),
			Errors:       round(t.errors),
			InputTokens:  round(t.inputTokens),
			OutputTokens: round(t.outputTokens),
		}
		report.ModelUsage = append(report.ModelUsage, row)
		report.Totals.Requests += row.Requests
		report.Totals.Errors += row.Errors
		report.Totals.InputTokens += row.InputTokens
		report.Totals.OutputTokens += row.OutputTokens
	}
	sort.Slice(report.ModelUsage, func(i, j int) bool {
		a, b := report.ModelUsage[i], report.ModelUsage[j]
		if a.Requests != b.Requests {
			return a.Requests > b.Requests
		}
		return a.Model < b.Model
	})

	for date, t := range r.days {
		report.DailyUsage = append(report.DailyUsage, DailyUsage{
			Date:         date,
			Requests:     t.requestCount(),
			Errors:       round(t.errors),
			InputTokens:  round(t.inputTokens),
			OutputTokens: round(t.outputTokens),
		})
	}
	sort.Slice(report.DailyUsage, func(i, j int) bool {
		return report.DailyUsage[i].Date < report.DailyUsage[j].Date
	})

	for hour, t := range r.hours {
		report.HourlyTokens = append(report.HourlyTokens, HourlyTokens{
			Hour:         hour,
			Requests:     t.requestCount(),
			InputTokens:  round(t.inputTokens),
			OutputTokens: round(t.outputTokens),
		})
	}
	sort.Slice(report.HourlyTokens, func(i, j int) bool {
		return report.HourlyTokens[i].Hour < report.HourlyTokens[j].Hour
	})

	sort.Slice(report.ModelLatency, func(i, j int) bool {
		return report.ModelLatency[i].Model < report.ModelLatency[j].Model
	})

	report.Totals.AvgDurationMs = finite(avgDurationMs)
	report.Totals.AvgTokensPerSec = tokensPerSecond(report.Totals.InputTokens+report.Totals.OutputTokens, report.Totals.AvgDurationMs)
	if report.Totals.Requests > 0 {
		report.Totals.ErrorRate = float64(report.Totals.Errors) / float64(report.Totals.Requests)
	}
	return report
}

// tokensPerSecond is 0 whenever the average duration is not positive.
func tokensPerSecond(tokens int64, avgDurationMs float64) float64 {
	if avgDurationMs <= 0 {
		return 0
	}
	return finite(float64(tokens) / (avgDurationMs / 1000))
}

func round(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
