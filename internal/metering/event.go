// Package metering records billable ingestion events: the first time a
// customer's vendor is seen and every accepted ingestion batch.
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	EventVendorDiscovered = "vendor.discovered"
	EventBatchIngested    = "batch.ingested"
)

type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CustomerID    string    `json:"customerId"`
	VendorSlug    string    `json:"vendorSlug,omitempty"`
	ToolProfileID string    `json:"toolProfileId,omitempty"`
	Signal        string    `json:"signal"`
	Count         int64     `json:"count"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NewEvent fills ID and OccurredAt.
func NewEvent(eventType, customerID, signal string, count int64, at time.Time) Event {
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		CustomerID: customerID,
		Signal:     signal,
		Count:      count,
		OccurredAt: at.UTC(),
	}
}

// Sink receives metering events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "metering event",
		"event_id", event.ID,
		"event_type", event.Type,
		"customer_id", event.CustomerID,
		"vendor", event.VendorSlug,
		"tool_profile_id", event.ToolProfileID,
		"signal", event.Signal,
		"count", event.Count,
	)
	return nil
}

type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }
