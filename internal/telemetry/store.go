package telemetry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("telemetry store record not found")
var ErrInvalidFilter = errors.New("telemetry store filter is invalid")

// Store is the persistence gateway for tool profiles, spans and metric points.
// Every read is scoped by customer id.
//
// IngestSpans and IngestMetricPoints apply every profile delta and insert the
// rows in one transaction, stamping each row with its vendor's profile id.
// Results are returned in delta order. On error nothing is persisted.
type Store interface {
	IngestSpans(ctx context.Context, deltas []ToolProfileDelta, spans []Span) ([]ToolProfileUpsert, error)
	IngestMetricPoints(ctx context.Context, deltas []ToolProfileDelta, points []MetricPoint) ([]ToolProfileUpsert, error)
	ListToolProfiles(ctx context.Context, customerID string) ([]ToolProfile, error)
	GetToolProfile(ctx context.Context, customerID, id string) (*ToolProfile, error)
	QuerySpans(ctx context.Context, filter RangeFilter) ([]Span, error)
	QueryMetricPoints(ctx context.Context, filter RangeFilter) ([]MetricPoint, error)
	DeleteToolProfile(ctx context.Context, customerID, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// ToolProfileDelta is one batch's contribution to a tool profile.
type ToolProfileDelta struct {
	CustomerID  string
	VendorSlug  string
	DisplayName string
	Category    string
	Spans       int64
	Traces      int64
	Errors      int64
	SeenAt      time.Time
}

// ToolProfileUpsert reports the row after the upsert and whether the
// statement inserted it.
type ToolProfileUpsert struct {
	Profile  ToolProfile
	Inserted bool
}

// RangeFilter selects spans by start time or metric points by point time.
// From and To are inclusive; zero values leave that side open.
type RangeFilter struct {
	CustomerID    string
	ToolProfileID string
	VendorSlug    string
	From          time.Time
	To            time.Time
}

func (f RangeFilter) validate() error {
	if f.CustomerID == "" {
		return errors.Join(ErrInvalidFilter, errors.New("customer id is required"))
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return errors.Join(ErrInvalidFilter, errors.New("range end is before range start"))
	}
	return nil
}

func (d ToolProfileDelta) validate() error {
	if d.CustomerID == "" || d.VendorSlug == "" {
		return errors.New("tool profile delta requires customer id and vendor slug")
	}
	if d.Spans < 0 || d.Traces < 0 || d.Errors < 0 {
		return errors.New("tool profile delta counters must be non-negative")
	}
	return nil
}
