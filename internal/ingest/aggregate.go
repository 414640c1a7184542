package ingest

import (
	"sort"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/vendorid"
)

// vendorBatch is one vendor's share of an ingestion batch.
type vendorBatch struct {
	vendor   vendorid.Vendor
	spans    int64
	traceIDs map[string]struct{}
	errors   int64
}

// batchIndex groups decoded rows by vendor slug.
type batchIndex struct {
	byVendor map[string]*vendorBatch
}

func newBatchIndex() *batchIndex {
	return &batchIndex{byVendor: make(map[string]*vendorBatch)}
}

func (b *batchIndex) lookup(v vendorid.Vendor) *vendorBatch {
	batch, ok := b.byVendor[v.Slug]
	if !ok {
		batch = &vendorBatch{vendor: v, traceIDs: make(map[string]struct{})}
		b.byVendor[v.Slug] = batch
	}
	return batch
}

func (b *batchIndex) addSpan(v vendorid.Vendor, span telemetry.Span) {
	batch := b.lookup(v)
	batch.spans++
	if span.TraceID != "" {
		batch.traceIDs[span.TraceID] = struct{}{}
	}
	if span.StatusCode == telemetry.StatusError {
		batch.errors++
	}
}

// addPoint registers the vendor only; metric points do not move the span
// counters.
func (b *batchIndex) addPoint(v vendorid.Vendor) {
	b.lookup(v)
}

// deltas returns one profile delta per vendor, in slug order.
func (b *batchIndex) deltas(customerID string, seenAt time.Time) []telemetry.ToolProfileDelta {
	batches := make([]*vendorBatch, 0, len(b.byVendor))
	for _, batch := range b.byVendor {
		batches = append(batches, batch)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].vendor.Slug < batches[j].vendor.Slug })

	out := make([]telemetry.ToolProfileDelta, 0, len(batches))
	for _, batch := range batches {
		out = append(out, telemetry.ToolProfileDelta{
			CustomerID:  customerID,
			VendorSlug:  batch.vendor.Slug,
			DisplayName: batch.vendor.DisplayName,
			Category:    batch.vendor.Category,
			Spans:       batch.spans,
			Traces:      int64(len(batch.traceIDs)),
			Errors:      batch.errors,
			SeenAt:      seenAt,
		})
	}
	return out
}
