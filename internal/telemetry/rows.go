package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlExecutor is the subset of *sql.DB and *sql.Tx the write paths need.
type sqlExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func validateDeltas(deltas []ToolProfileDelta) error {
	for _, delta := range deltas {
		if err := delta.validate(); err != nil {
			return err
		}
	}
	return nil
}

// upsertAll applies deltas in (customer, vendor) order so concurrent
// transactions take profile row locks in the same order. Results are
// returned in input order.
func upsertAll(deltas []ToolProfileDelta, upsert func(ToolProfileDelta) (ToolProfileUpsert, error)) ([]ToolProfileUpsert, error) {
	order := make([]int, len(deltas))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := strings.Compare(deltas[a].CustomerID, deltas[b].CustomerID); c != 0 {
			return c
		}
		return strings.Compare(deltas[a].VendorSlug, deltas[b].VendorSlug)
	})

	results := make([]ToolProfileUpsert, len(deltas))
	for _, i := range order {
		result, err := upsert(deltas[i])
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

func profileIDsBySlug(upserts []ToolProfileUpsert) map[string]string {
	ids := make(map[string]string, len(upserts))
	for _, upsert := range upserts {
		ids[upsert.Profile.VendorSlug] = upsert.Profile.ID
	}
	return ids
}

func stampSpanProfiles(spans []Span, upserts []ToolProfileUpsert) {
	ids := profileIDsBySlug(upserts)
	for i := range spans {
		if id, ok := ids[spans[i].VendorSlug]; ok {
			spans[i].ToolProfileID = id
		}
	}
}

func stampMetricPointProfiles(points []MetricPoint, upserts []ToolProfileUpsert) {
	ids := profileIDsBySlug(upserts)
	for i := range points {
		if id, ok := ids[points[i].VendorSlug]; ok {
			points[i].ToolProfileID = id
		}
	}
}

// assignSpanIdentity fills in ids and creation times in place so callers
// (the archive mirror in particular) see the persisted values.
func assignSpanIdentity(spans []Span, now time.Time) {
	for i := range spans {
		if spans[i].ID == "" {
			spans[i].ID = uuid.NewString()
		}
		if spans[i].CreatedAt.IsZero() {
			spans[i].CreatedAt = now
		}
		if spans[i].SignalType == "" {
			spans[i].SignalType = SignalTraces
		}
		if spans[i].Kind == "" {
			spans[i].Kind = SpanKindUnspecified
		}
		if spans[i].StatusCode == "" {
			spans[i].StatusCode = StatusUnset
		}
	}
}

func assignMetricPointIdentity(points []MetricPoint, now time.Time) {
	for i := range points {
		if points[i].ID == "" {
			points[i].ID = uuid.NewString()
		}
		if points[i].CreatedAt.IsZero() {
			points[i].CreatedAt = now
		}
	}
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(raw), nil
}

func decodeAttributes(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return out, nil
}

// encodeJSONArray returns nil (SQL NULL) for empty slices.
func encodeJSONArray[T any](values []T) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeJSONArray[T any](raw sql.NullString) ([]T, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullIfEmpty(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullInt(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func floatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

func intPtr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}

// metricPointArgs holds the encoded JSON columns of one metric point.
type metricPointArgs struct {
	attributes     string
	bucketCounts   any
	explicitBounds any
	quantileValues any
}

func encodeMetricPointArgs(point MetricPoint) (metricPointArgs, error) {
	var (
		out metricPointArgs
		err error
	)
	if out.attributes, err = encodeAttributes(point.Attributes); err != nil {
		return out, err
	}
	if out.bucketCounts, err = encodeJSONArray(point.BucketCounts); err != nil {
		return out, fmt.Errorf("encode bucket counts: %w", err)
	}
	if out.explicitBounds, err = encodeJSONArray(point.ExplicitBounds); err != nil {
		return out, fmt.Errorf("encode explicit bounds: %w", err)
	}
	if out.quantileValues, err = encodeJSONArray(point.QuantileValues); err != nil {
		return out, fmt.Errorf("encode quantile values: %w", err)
	}
	return out, nil
}

func decodeMetricPointArrays(point *MetricPoint, bucketCounts, explicitBounds, quantileValues sql.NullString) error {
	var err error
	if point.BucketCounts, err = decodeJSONArray[int64](bucketCounts); err != nil {
		return fmt.Errorf("decode bucket counts: %w", err)
	}
	if point.ExplicitBounds, err = decodeJSONArray[float64](explicitBounds); err != nil {
		return fmt.Errorf("decode explicit bounds: %w", err)
	}
	if point.QuantileValues, err = decodeJSONArray[QuantileValue](quantileValues); err != nil {
		return fmt.Errorf("decode quantile values: %w", err)
	}
	return nil
}

func categoryOrUnknown(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return "unknown"
	}
	return category
}
