package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	DefaultLookbackDays = 30
	DefaultHourlyWindow = 24 * time.Hour
)

// Reader is the slice of telemetry.Store the engine reads from.
type Reader interface {
	GetToolProfile(ctx context.Context, customerID, id string) (*telemetry.ToolProfile, error)
	QueryMetricPoints(ctx context.Context, filter telemetry.RangeFilter) ([]telemetry.MetricPoint, error)
	QuerySpans(ctx context.Context, filter telemetry.RangeFilter) ([]telemetry.Span, error)
}

type Options struct {
	LookbackDays int
	HourlyWindow time.Duration
}

// Engine picks a strategy per tool profile: metric points when the window
// has any, spans otherwise. The two are never blended.
type Engine struct {
	store        Reader
	lookbackDays int
	hourlyWindow time.Duration
}

type Request struct {
	CustomerID    string
	ToolProfileID string
	Now           time.Time
}

func NewEngine(store Reader, opts Options) *Engine {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	if opts.HourlyWindow <= 0 {
		opts.HourlyWindow = DefaultHourlyWindow
	}
	return &Engine{store: store, lookbackDays: opts.LookbackDays, hourlyWindow: opts.HourlyWindow}
}

// Window returns the report window ending at now.
func (e *Engine) Window(now time.Time) Window {
	now = now.UTC()
	return Window{
		From:       now.AddDate(0, 0, -e.lookbackDays),
		To:         now,
		HourlyFrom: now.Add(-e.hourlyWindow),
	}
}

// ComputeUsage loads every row of the window before computing, since bucket
// percentiles cannot be merged across pages. It returns telemetry.ErrNotFound
// when the profile does not belong to the customer.
func (e *Engine) ComputeUsage(ctx context.Context, req Request) (Report, error) {
	if req.CustomerID == "" || req.ToolProfileID == "" {
		return Report{}, errors.New("usage request requires customer id and tool profile id")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	profile, err := e.store.GetToolProfile(ctx, req.CustomerID, req.ToolProfileID)
	if err != nil {
		return Report{}, err
	}

	window := e.Window(now)
	filter := telemetry.RangeFilter{
		CustomerID:    req.CustomerID,
		ToolProfileID: profile.ID,
		From:          window.From,
		To:            window.To,
	}

	strategy, err := e.selectStrategy(ctx, filter)
	if err != nil {
		return Report{}, err
	}
	return strategy.ComputeUsage(window), nil
}

func (e *Engine) selectStrategy(ctx context.Context, filter telemetry.RangeFilter) (Strategy, error) {
	points, err := e.store.QueryMetricPoints(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load metric points: %w", err)
	}
	if len(points) > 0 {
		return MetricStrategy{Points: points}, nil
	}

	spans, err := e.store.QuerySpans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load spans: %w", err)
	}
	return SpanStrategy{Spans: spans}, nil
}
