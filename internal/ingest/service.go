// Package ingest turns OTLP/JSON batches into stored spans and metric points
// and keeps each vendor's tool profile counters current.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/metering"
	"github.com/ongoingai/tooltelemetry/internal/otlp"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/vendorid"
)

// Identity is the authenticated sender of a batch.
type Identity struct {
	CustomerID string
	UserID     string
	TeamID     string
}

// Mirror receives a copy of every persisted batch.
type Mirror interface {
	MirrorSpans(ctx context.Context, spans []telemetry.Span) error
	MirrorMetricPoints(ctx context.Context, points []telemetry.MetricPoint) error
}

// Observer is notified of batch outcomes.
type Observer interface {
	RecordIngestBatch(signal string, accepted int)
	RecordIngestFailure(signal, errorClass string)
	RecordVendorDiscovered(vendorSlug string)
	RecordMeteringFailure(eventType string)
}

type TracesResult struct {
	AcceptedSpans int64
	RejectedSpans int64
}

type MetricsResult struct {
	AcceptedDataPoints int64
	RejectedDataPoints int64
}

type Options struct {
	Sink     metering.Sink
	Mirror   Mirror
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store    telemetry.Store
	sink     metering.Sink
	mirror   Mirror
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store telemetry.Store, opts Options) *Service {
	if opts.Sink == nil {
		opts.Sink = metering.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		sink:     opts.Sink,
		mirror:   opts.Mirror,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// IngestTraces stores one OTLP/JSON traces batch. A shape error
// (otlp.ErrInvalidPayload) rejects the batch before anything is written; a
// store error fails the batch without moving any profile counter and is not
// retried.
func (s *Service) IngestTraces(ctx context.Context, identity Identity, body []byte) (TracesResult, error) {
	if identity.CustomerID == "" {
		return TracesResult{}, errors.New("ingest identity requires a customer id")
	}
	req, err := otlp.ParseTraces(body)
	if err != nil {
		return TracesResult{}, err
	}

	receivedAt := s.now().UTC()
	index := newBatchIndex()
	var spans []telemetry.Span
	for _, rs := range req.ResourceSpans {
		rc, v := s.resourceContext(identity, rs.Resource, receivedAt)
		for _, block := range rs.ScopeSpans {
			for _, span := range otlp.DecodeSpans(block, rc) {
				index.addSpan(v, span)
				spans = append(spans, span)
			}
		}
	}
	if len(spans) == 0 {
		return TracesResult{}, nil
	}

	upserts, err := s.store.IngestSpans(ctx, index.deltas(identity.CustomerID, receivedAt), spans)
	if err != nil {
		return TracesResult{}, s.fail(telemetry.SignalTraces, err)
	}
	discovered := insertedProfiles(upserts)

	s.meter(ctx, identity.CustomerID, telemetry.SignalTraces, discovered, int64(len(spans)), receivedAt)
	if s.mirror != nil {
		if err := s.mirror.MirrorSpans(ctx, spans); err != nil {
			s.logger.Warn("archive mirror failed", "signal", telemetry.SignalTraces, "rows", len(spans), "error", err)
		}
	}
	if s.observer != nil {
		s.observer.RecordIngestBatch(telemetry.SignalTraces, len(spans))
	}
	return TracesResult{AcceptedSpans: int64(len(spans))}, nil
}

// IngestMetrics stores one OTLP/JSON metrics batch. Vendor profiles are
// upserted with zero counters so they exist and their last-seen advances.
func (s *Service) IngestMetrics(ctx context.Context, identity Identity, body []byte) (MetricsResult, error) {
	if identity.CustomerID == "" {
		return MetricsResult{}, errors.New("ingest identity requires a customer id")
	}
	req, err := otlp.ParseMetrics(body)
	if err != nil {
		return MetricsResult{}, err
	}

	receivedAt := s.now().UTC()
	index := newBatchIndex()
	var points []telemetry.MetricPoint
	for _, rm := range req.ResourceMetrics {
		rc, v := s.resourceContext(identity, rm.Resource, receivedAt)
		for _, block := range rm.ScopeMetrics {
			for _, metric := range block.Metrics {
				for _, point := range otlp.DecodeMetric(metric, rc) {
					index.addPoint(v)
					points = append(points, point)
				}
			}
		}
	}
	if len(points) == 0 {
		return MetricsResult{}, nil
	}

	upserts, err := s.store.IngestMetricPoints(ctx, index.deltas(identity.CustomerID, receivedAt), points)
	if err != nil {
		return MetricsResult{}, s.fail(telemetry.SignalMetrics, err)
	}
	discovered := insertedProfiles(upserts)

	s.meter(ctx, identity.CustomerID, telemetry.SignalMetrics, discovered, int64(len(points)), receivedAt)
	if s.mirror != nil {
		if err := s.mirror.MirrorMetricPoints(ctx, points); err != nil {
			s.logger.Warn("archive mirror failed", "signal", telemetry.SignalMetrics, "rows", len(points), "error", err)
		}
	}
	if s.observer != nil {
		s.observer.RecordIngestBatch(telemetry.SignalMetrics, len(points))
	}
	return MetricsResult{AcceptedDataPoints: int64(len(points))}, nil
}

func (s *Service) resourceContext(identity Identity, resource otlp.Resource, receivedAt time.Time) (otlp.ResourceContext, vendorid.Vendor) {
	attrs := otlp.FlattenAttributes(resource.Attributes)
	v := vendorid.Canonicalize(attrs)
	return otlp.ResourceContext{
		CustomerID:         identity.CustomerID,
		UserID:             identity.UserID,
		TeamID:             identity.TeamID,
		VendorSlug:         v.Slug,
		ServiceName:        attrs[vendorid.AttrServiceName],
		ResourceAttributes: attrs,
		ReceivedAt:         receivedAt,
	}, v
}

// insertedProfiles returns the profiles the batch created.
func insertedProfiles(upserts []telemetry.ToolProfileUpsert) []telemetry.ToolProfile {
	var out []telemetry.ToolProfile
	for _, upsert := range upserts {
		if upsert.Inserted {
			out = append(out, upsert.Profile)
		}
	}
	return out
}

// meter reports discovery and batch events. Sink failures are logged only.
func (s *Service) meter(ctx context.Context, customerID, signal string, discovered []telemetry.ToolProfile, accepted int64, at time.Time) {
	for _, profile := range discovered {
		event := metering.NewEvent(metering.EventVendorDiscovered, customerID, signal, 1, at)
		event.VendorSlug = profile.VendorSlug
		event.ToolProfileID = profile.ID
		s.record(ctx, event)
		s.logger.Info("vendor discovered", "customer_id", customerID, "vendor", profile.VendorSlug, "tool_profile_id", profile.ID)
		if s.observer != nil {
			s.observer.RecordVendorDiscovered(profile.VendorSlug)
		}
	}
	s.record(ctx, metering.NewEvent(metering.EventBatchIngested, customerID, signal, accepted, at))
}

func (s *Service) record(ctx context.Context, event metering.Event) {
	if err := s.sink.Record(ctx, event); err != nil {
		s.logger.Warn("metering event not recorded", "event_type", event.Type, "customer_id", event.CustomerID, "error", err)
		if s.observer != nil {
			s.observer.RecordMeteringFailure(event.Type)
		}
	}
}

func (s *Service) fail(signal string, err error) error {
	class := telemetry.ClassifyError(err)
	s.logger.Error("ingest batch failed", "signal", signal, "error_class", class, "error", err)
	if s.observer != nil {
		s.observer.RecordIngestFailure(signal, class)
	}
	return err
}
