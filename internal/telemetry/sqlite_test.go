package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tooltelemetry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestRetrySQLiteBusyRetriesTransientContention(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retrySQLiteBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retrySQLiteBusy() error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 3)
	}
}

func TestRetrySQLiteBusyHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retrySQLiteBusy(ctx, func() error {
		attempts++
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("retrySQLiteBusy() error=%v, want %v", err, context.Canceled)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts=%d, want %d", attempts, 1)
	}
}

func TestSQLiteStoreConfiguresWAL(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	var mode string
	if err := store.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode pragma: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLiteUpsertToolProfileInsertsThenAccumulates(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := store.UpsertToolProfile(ctx, ToolProfileDelta{
		CustomerID:  "cust-a",
		VendorSlug:  "anthropic",
		DisplayName: "Anthropic",
		Category:    "llm",
		Spans:       3,
		Traces:      1,
		Errors:      1,
		SeenAt:      first,
	})
	if err != nil {
		t.Fatalf("UpsertToolProfile() error: %v", err)
	}
	if !created.Inserted {
		t.Fatal("first upsert Inserted=false, want true")
	}
	if created.Profile.TotalSpans != 3 || created.Profile.TotalErrors != 1 {
		t.Fatalf("first upsert counters=%+v", created.Profile)
	}

	second, err := store.UpsertToolProfile(ctx, ToolProfileDelta{
		CustomerID:  "cust-a",
		VendorSlug:  "anthropic",
		DisplayName: "Renamed",
		Spans:       3,
		Traces:      1,
		Errors:      1,
		SeenAt:      first.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("second UpsertToolProfile() error: %v", err)
	}
	if second.Inserted {
		t.Fatal("second upsert Inserted=true, want false")
	}
	if second.Profile.ID != created.Profile.ID {
		t.Fatalf("profile id changed: got=%q, want %q", second.Profile.ID, created.Profile.ID)
	}
	if second.Profile.TotalSpans != 6 || second.Profile.TotalTraces != 2 || second.Profile.TotalErrors != 2 {
		t.Fatalf("accumulated counters=%+v, want spans=6 traces=2 errors=2", second.Profile)
	}
	if second.Profile.DisplayName != "Anthropic" {
		t.Fatalf("display name=%q, want first-seen value", second.Profile.DisplayName)
	}
	if !second.Profile.FirstSeenAt.Equal(first) {
		t.Fatalf("first_seen_at=%s, want %s", second.Profile.FirstSeenAt, first)
	}
	if !second.Profile.LastSeenAt.Equal(first.Add(time.Hour)) {
		t.Fatalf("last_seen_at=%s, want %s", second.Profile.LastSeenAt, first.Add(time.Hour))
	}
}

func TestSQLiteUpsertToolProfileNeverMovesLastSeenBackward(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	late := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if _, err := store.UpsertToolProfile(ctx, ToolProfileDelta{CustomerID: "c", VendorSlug: "cursor", SeenAt: late}); err != nil {
		t.Fatalf("UpsertToolProfile() error: %v", err)
	}
	got, err := store.UpsertToolProfile(ctx, ToolProfileDelta{CustomerID: "c", VendorSlug: "cursor", Spans: 1, SeenAt: late.Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("UpsertToolProfile() error: %v", err)
	}
	if !got.Profile.LastSeenAt.Equal(late) {
		t.Fatalf("last_seen_at=%s, want %s", got.Profile.LastSeenAt, late)
	}
	if got.Profile.Category != "unknown" {
		t.Fatalf("category=%q, want unknown default", got.Profile.Category)
	}
}

func TestSQLiteUpsertToolProfileConcurrentBatchesDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.UpsertToolProfile(ctx, ToolProfileDelta{
				CustomerID: "cust-concurrent",
				VendorSlug: "codex",
				Spans:      5,
				Traces:     2,
				Errors:     1,
			})
			if err != nil {
				t.Errorf("UpsertToolProfile() error: %v", err)
				return
			}
			if result.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("inserted upserts=%d, want 1", inserted)
	}
	profiles, err := store.ListToolProfiles(ctx, "cust-concurrent")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("profiles=%d, want 1", len(profiles))
	}
	if profiles[0].TotalSpans != 5*workers || profiles[0].TotalTraces != 2*workers || profiles[0].TotalErrors != workers {
		t.Fatalf("counters=%+v, want spans=%d traces=%d errors=%d", profiles[0], 5*workers, 2*workers, workers)
	}
}

func TestSQLiteStoreSpanRoundTripAndRangeFilter(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	profile := mustUpsertProfile(t, store, "cust-a", "anthropic")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := base.Add(150 * time.Millisecond)
	duration := int64(150)

	spans := []Span{
		{
			CustomerID:         "cust-a",
			UserID:             "user-1",
			ToolProfileID:      profile.ID,
			TraceID:            "trace-1",
			SpanID:             "span-1",
			Name:               "chat",
			Kind:               SpanKindClient,
			StartTime:          base,
			EndTime:            &end,
			DurationMS:         &duration,
			StatusCode:         StatusOK,
			VendorSlug:         "anthropic",
			ServiceName:        "anthropic-sdk",
			ResourceAttributes: map[string]string{"service.name": "anthropic-sdk"},
			SpanAttributes:     map[string]string{"gen_ai.request.model": "claude-sonnet"},
		},
		{
			CustomerID:    "cust-a",
			ToolProfileID: profile.ID,
			Name:          "degenerate",
			StartTime:     base.Add(48 * time.Hour),
			StatusCode:    StatusError,
			StatusMessage: "boom",
			VendorSlug:    "anthropic",
		},
	}
	if err := store.InsertSpans(ctx, spans); err != nil {
		t.Fatalf("InsertSpans() error: %v", err)
	}
	if spans[0].ID == "" || spans[1].ID == "" {
		t.Fatal("InsertSpans() did not assign ids in place")
	}

	all, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-a", ToolProfileID: profile.ID})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("QuerySpans() len=%d, want 2", len(all))
	}
	first := all[0]
	if first.ID != spans[0].ID || !first.StartTime.Equal(base) || first.EndTime == nil || !first.EndTime.Equal(end) {
		t.Fatalf("first span=%+v", first)
	}
	if first.DurationMS == nil || *first.DurationMS != 150 {
		t.Fatalf("first span duration=%v, want 150", first.DurationMS)
	}
	if first.Kind != SpanKindClient || first.SignalType != SignalTraces || first.UserID != "user-1" {
		t.Fatalf("first span fields=%+v", first)
	}
	if first.SpanAttributes["gen_ai.request.model"] != "claude-sonnet" {
		t.Fatalf("span attributes=%v", first.SpanAttributes)
	}
	second := all[1]
	if second.EndTime != nil || second.DurationMS != nil {
		t.Fatalf("second span end=%v duration=%v, want nil", second.EndTime, second.DurationMS)
	}
	if second.Kind != SpanKindUnspecified || second.StatusCode != StatusError || second.StatusMessage != "boom" {
		t.Fatalf("second span fields=%+v", second)
	}

	windowed, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-a", From: base.Add(-time.Minute), To: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("QuerySpans(window) error: %v", err)
	}
	if len(windowed) != 1 || windowed[0].ID != spans[0].ID {
		t.Fatalf("windowed spans=%+v", windowed)
	}

	other, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-b"})
	if err != nil {
		t.Fatalf("QuerySpans(other customer) error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other customer spans=%d, want 0", len(other))
	}
}

func TestSQLiteStoreMetricPointRoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	profile := mustUpsertProfile(t, store, "cust-a", "claude-code")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	count := int64(10)
	sum := 820.5
	value := 42.0

	points := []MetricPoint{
		{
			CustomerID:     "cust-a",
			ToolProfileID:  profile.ID,
			VendorSlug:     "claude-code",
			MetricName:     "gen_ai.client.operation.duration",
			Kind:           MetricKindHistogram,
			Unit:           "ms",
			Attributes:     map[string]string{"gen_ai.request.model": "claude-opus"},
			Count:          &count,
			Sum:            &sum,
			BucketCounts:   []int64{0, 0, 10, 0},
			ExplicitBounds: []float64{10, 50, 100},
			Time:           at,
			StartTime:      &at,
		},
		{
			CustomerID:    "cust-a",
			ToolProfileID: profile.ID,
			VendorSlug:    "claude-code",
			MetricName:    "claude_code.token.usage",
			Kind:          MetricKindSum,
			ValueDouble:   &value,
			Time:          at.Add(time.Minute),
		},
		{
			CustomerID:     "cust-a",
			ToolProfileID:  profile.ID,
			VendorSlug:     "claude-code",
			MetricName:     "request.latency",
			Kind:           MetricKindSummary,
			Count:          &count,
			Sum:            &sum,
			QuantileValues: []QuantileValue{{Quantile: 0.5, Value: 80}},
			Time:           at.Add(2 * time.Minute),
		},
	}
	if err := store.InsertMetricPoints(ctx, points); err != nil {
		t.Fatalf("InsertMetricPoints() error: %v", err)
	}

	got, err := store.QueryMetricPoints(ctx, RangeFilter{CustomerID: "cust-a", ToolProfileID: profile.ID})
	if err != nil {
		t.Fatalf("QueryMetricPoints() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("QueryMetricPoints() len=%d, want 3", len(got))
	}

	hist := got[0]
	if hist.Kind != MetricKindHistogram || hist.Count == nil || *hist.Count != 10 || hist.Sum == nil || *hist.Sum != sum {
		t.Fatalf("histogram point=%+v", hist)
	}
	if len(hist.BucketCounts) != 4 || hist.BucketCounts[2] != 10 || len(hist.ExplicitBounds) != 3 || hist.ExplicitBounds[2] != 100 {
		t.Fatalf("histogram buckets=%v bounds=%v", hist.BucketCounts, hist.ExplicitBounds)
	}
	if hist.StartTime == nil || !hist.StartTime.Equal(at) || hist.ValueDouble != nil || hist.ValueInt != nil {
		t.Fatalf("histogram optional fields=%+v", hist)
	}
	if hist.Attributes["gen_ai.request.model"] != "claude-opus" {
		t.Fatalf("histogram attributes=%v", hist.Attributes)
	}

	scalar, ok := got[1].Scalar()
	if !ok || scalar != 42 {
		t.Fatalf("sum point scalar=%v ok=%v, want 42", scalar, ok)
	}
	if got[1].BucketCounts != nil || got[1].Count != nil {
		t.Fatalf("sum point carries histogram fields: %+v", got[1])
	}

	if len(got[2].QuantileValues) != 1 || got[2].QuantileValues[0].Value != 80 {
		t.Fatalf("summary quantiles=%v", got[2].QuantileValues)
	}
}

func TestSQLiteDeleteToolProfileCascades(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	ctx := context.Background()
	profile := mustUpsertProfile(t, store, "cust-a", "cursor")
	keep := mustUpsertProfile(t, store, "cust-a", "aider")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.InsertSpans(ctx, []Span{
		{CustomerID: "cust-a", ToolProfileID: profile.ID, VendorSlug: "cursor", StartTime: at},
		{CustomerID: "cust-a", ToolProfileID: keep.ID, VendorSlug: "aider", StartTime: at},
	}); err != nil {
		t.Fatalf("InsertSpans() error: %v", err)
	}
	if err := store.InsertMetricPoints(ctx, []MetricPoint{
		{CustomerID: "cust-a", ToolProfileID: profile.ID, VendorSlug: "cursor", MetricName: "requests", Kind: MetricKindSum, Time: at},
	}); err != nil {
		t.Fatalf("InsertMetricPoints() error: %v", err)
	}

	if err := store.DeleteToolProfile(ctx, "cust-b", profile.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteToolProfile(other customer) error=%v, want ErrNotFound", err)
	}
	if err := store.DeleteToolProfile(ctx, "cust-a", profile.ID); err != nil {
		t.Fatalf("DeleteToolProfile() error: %v", err)
	}
	if _, err := store.GetToolProfile(ctx, "cust-a", profile.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetToolProfile() after delete error=%v, want ErrNotFound", err)
	}

	spans, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-a"})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(spans) != 1 || spans[0].ToolProfileID != keep.ID {
		t.Fatalf("remaining spans=%+v, want only the aider span", spans)
	}
	points, err := store.QueryMetricPoints(ctx, RangeFilter{CustomerID: "cust-a"})
	if err != nil {
		t.Fatalf("QueryMetricPoints() error: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("remaining metric points=%d, want 0", len(points))
	}

	readded, err := store.UpsertToolProfile(ctx, ToolProfileDelta{CustomerID: "cust-a", VendorSlug: "cursor", Spans: 1})
	if err != nil {
		t.Fatalf("UpsertToolProfile() after delete error: %v", err)
	}
	if !readded.Inserted || readded.Profile.TotalSpans != 1 {
		t.Fatalf("re-added profile=%+v inserted=%v, want fresh counters", readded.Profile, readded.Inserted)
	}
}

func TestSQLiteQueryRejectsMissingCustomer(t *testing.T) {
	t.Parallel()

	store := newSQLiteTestStore(t)
	if _, err := store.QuerySpans(context.Background(), RangeFilter{}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("QuerySpans() error=%v, want ErrInvalidFilter", err)
	}
	if _, err := store.QueryMetricPoints(context.Background(), RangeFilter{}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("QueryMetricPoints() error=%v, want ErrInvalidFilter", err)
	}
}

func TestParseSQLiteTimestampAcceptsStoredLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 1, 12, 0, 0, 500000000, time.UTC)
	for _, raw := range []string{
		sqliteTime(want),
		"2026-03-01 12:00:00.5+00:00",
		"2026-03-01 12:00:00.5",
	} {
		got, err := parseSQLiteTimestamp(raw)
		if err != nil {
			t.Fatalf("parseSQLiteTimestamp(%q) error: %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parseSQLiteTimestamp(%q)=%s, want %s", raw, got, want)
		}
	}
	if _, err := parseSQLiteTimestamp("yesterday"); err == nil {
		t.Fatal("parseSQLiteTimestamp(yesterday) error=nil, want error")
	}
}

type profileUpserter interface {
	UpsertToolProfile(ctx context.Context, delta ToolProfileDelta) (ToolProfileUpsert, error)
}

func mustUpsertProfile(t *testing.T, store profileUpserter, customerID, vendor string) ToolProfile {
	t.Helper()

	result, err := store.UpsertToolProfile(context.Background(), ToolProfileDelta{
		CustomerID:  customerID,
		VendorSlug:  vendor,
		DisplayName: vendor,
		Category:    "llm",
	})
	if err != nil {
		t.Fatalf("UpsertToolProfile(%s) error: %v", vendor, err)
	}
	return result.Profile
}

func TestSQLiteIngestSpansStampsProfilesInDeltaOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newSQLiteTestStore(t)
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	deltas := []ToolProfileDelta{
		{CustomerID: "cust-a", VendorSlug: "openai", Spans: 1, Traces: 1, SeenAt: at},
		{CustomerID: "cust-a", VendorSlug: "anthropic", Spans: 1, Traces: 1, Errors: 1, SeenAt: at},
	}
	spans := []Span{
		{CustomerID: "cust-a", TraceID: "t1", SpanID: "s1", StartTime: at, VendorSlug: "openai"},
		{CustomerID: "cust-a", TraceID: "t2", SpanID: "s2", StartTime: at, StatusCode: StatusError, VendorSlug: "anthropic"},
	}
	results, err := store.IngestSpans(ctx, deltas, spans)
	if err != nil {
		t.Fatalf("IngestSpans() error: %v", err)
	}
	if len(results) != 2 || results[0].Profile.VendorSlug != "openai" || results[1].Profile.VendorSlug != "anthropic" {
		t.Fatalf("results=%+v, want delta order", results)
	}
	if !results[0].Inserted || !results[1].Inserted {
		t.Fatalf("results=%+v, want both inserted", results)
	}
	if spans[0].ToolProfileID != results[0].Profile.ID || spans[1].ToolProfileID != results[1].Profile.ID {
		t.Fatalf("span profile ids=%q,%q, want %q,%q", spans[0].ToolProfileID, spans[1].ToolProfileID, results[0].Profile.ID, results[1].Profile.ID)
	}

	stored, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-a", ToolProfileID: results[1].Profile.ID})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(stored) != 1 || stored[0].SpanID != "s2" {
		t.Fatalf("stored spans=%+v, want s2", stored)
	}

	again, err := store.IngestSpans(ctx, deltas[1:], []Span{
		{CustomerID: "cust-a", TraceID: "t3", SpanID: "s3", StartTime: at, VendorSlug: "anthropic"},
	})
	if err != nil {
		t.Fatalf("second IngestSpans() error: %v", err)
	}
	if again[0].Inserted || again[0].Profile.TotalSpans != 2 || again[0].Profile.TotalErrors != 2 {
		t.Fatalf("second result=%+v, want accumulated existing profile", again[0])
	}
}

func TestSQLiteIngestSpansRollsBackCountersOnInsertFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newSQLiteTestStore(t)
	existing := mustUpsertProfile(t, store, "cust-a", "anthropic")
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	deltas := []ToolProfileDelta{
		{CustomerID: "cust-a", VendorSlug: "anthropic", Spans: 2, Traces: 1, SeenAt: at},
		{CustomerID: "cust-a", VendorSlug: "cursor", Spans: 0, SeenAt: at},
	}
	spans := []Span{
		{ID: "same-row", CustomerID: "cust-a", TraceID: "t1", SpanID: "s1", StartTime: at, VendorSlug: "anthropic"},
		{ID: "same-row", CustomerID: "cust-a", TraceID: "t1", SpanID: "s2", StartTime: at, VendorSlug: "anthropic"},
	}
	_, err := store.IngestSpans(ctx, deltas, spans)
	if err == nil {
		t.Fatal("IngestSpans() error=nil, want primary key violation")
	}
	if class := ClassifyError(err); class != ErrorClassConstraint {
		t.Fatalf("ClassifyError()=%q, want constraint (err=%v)", class, err)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-a")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 1 || profiles[0].ID != existing.ID {
		t.Fatalf("profiles=%+v, want only the existing profile", profiles)
	}
	if profiles[0].TotalSpans != existing.TotalSpans || profiles[0].TotalTraces != existing.TotalTraces {
		t.Fatalf("profile=%+v, want counters unchanged from %+v", profiles[0], existing)
	}
	stored, err := store.QuerySpans(ctx, RangeFilter{CustomerID: "cust-a"})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("stored spans=%d, want none", len(stored))
	}
}

func TestSQLiteIngestMetricPointsRollsBackOnInsertFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newSQLiteTestStore(t)
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	value := 3.0

	points := []MetricPoint{
		{ID: "same-point", CustomerID: "cust-a", VendorSlug: "openai", MetricName: "m", Kind: MetricKindGauge, ValueDouble: &value, Time: at},
		{ID: "same-point", CustomerID: "cust-a", VendorSlug: "openai", MetricName: "m", Kind: MetricKindGauge, ValueDouble: &value, Time: at},
	}
	if _, err := store.IngestMetricPoints(ctx, []ToolProfileDelta{{CustomerID: "cust-a", VendorSlug: "openai", SeenAt: at}}, points); err == nil {
		t.Fatal("IngestMetricPoints() error=nil, want primary key violation")
	}
	profiles, err := store.ListToolProfiles(ctx, "cust-a")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("profiles=%+v, want none after rollback", profiles)
	}
}
