package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/metering"
	"github.com/ongoingai/tooltelemetry/internal/otlp"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/usage"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// anthropicBatch has two timed spans on one trace and an errored span with
// no end time on a second trace.
const anthropicBatch = `{"resourceSpans": [{
	"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "anthropic-python"}}]},
	"scopeSpans": [{"scope": {"name": "anthropic"}, "spans": [
		{"traceId": "t1", "spanId": "s1", "name": "messages.create", "kind": 3,
		 "startTimeUnixNano": "1777896000000000000", "endTimeUnixNano": "1777896000100000000",
		 "attributes": [{"key": "gen_ai.request.model", "value": {"stringValue": "claude-sonnet-4"}},
		                {"key": "gen_ai.usage.input_tokens", "value": {"intValue": "100"}}],
		 "status": {"code": 1}},
		{"traceId": "t1", "spanId": "s2", "parentSpanId": "s1", "name": "messages.stream", "kind": 3,
		 "startTimeUnixNano": "1777896000000000000", "endTimeUnixNano": "1777896000200000000",
		 "status": {}},
		{"traceId": "t2", "spanId": "s3", "name": "messages.create",
		 "startTimeUnixNano": "1777896001000000000",
		 "status": {"code": 2, "message": "overloaded"}}
	]}]
}]}`

type recordingSink struct {
	mu     sync.Mutex
	events []metering.Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, event metering.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) byType(eventType string) []metering.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metering.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type recordingObserver struct {
	mu         sync.Mutex
	batches    int
	failures   []string
	discovered []string
	metering   int
}

func (o *recordingObserver) RecordIngestBatch(string, int) {
	o.mu.Lock()
	o.batches++
	o.mu.Unlock()
}

func (o *recordingObserver) RecordIngestFailure(_ string, class string) {
	o.mu.Lock()
	o.failures = append(o.failures, class)
	o.mu.Unlock()
}

func (o *recordingObserver) RecordVendorDiscovered(vendor string) {
	o.mu.Lock()
	o.discovered = append(o.discovered, vendor)
	o.mu.Unlock()
}

func (o *recordingObserver) RecordMeteringFailure(string) {
	o.mu.Lock()
	o.metering++
	o.mu.Unlock()
}

type failingMirror struct{ calls int }

func (m *failingMirror) MirrorSpans(context.Context, []telemetry.Span) error {
	m.calls++
	return errors.New("clickhouse unavailable")
}

func (m *failingMirror) MirrorMetricPoints(context.Context, []telemetry.MetricPoint) error {
	m.calls++
	return errors.New("clickhouse unavailable")
}

// collidingIDStore gives every row in a batch the same id, so the row insert
// fails on the primary key after the profile upserts ran in the same
// transaction.
type collidingIDStore struct {
	*telemetry.SQLiteStore
}

func (s collidingIDStore) IngestSpans(ctx context.Context, deltas []telemetry.ToolProfileDelta, spans []telemetry.Span) ([]telemetry.ToolProfileUpsert, error) {
	for i := range spans {
		spans[i].ID = "colliding-span"
	}
	return s.SQLiteStore.IngestSpans(ctx, deltas, spans)
}

func (s collidingIDStore) IngestMetricPoints(ctx context.Context, deltas []telemetry.ToolProfileDelta, points []telemetry.MetricPoint) ([]telemetry.ToolProfileUpsert, error) {
	for i := range points {
		points[i].ID = "colliding-point"
	}
	return s.SQLiteStore.IngestMetricPoints(ctx, deltas, points)
}

func newTestStore(t *testing.T) *telemetry.SQLiteStore {
	t.Helper()

	store, err := telemetry.NewSQLiteStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(store telemetry.Store, sink metering.Sink, opts Options) *Service {
	opts.Sink = sink
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Now = func() time.Time { return testNow }
	return NewService(store, opts)
}

var testIdentity = Identity{CustomerID: "cust-1", UserID: "user-7", TeamID: "team-3"}

func TestIngestTracesAccumulatesToolProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	service := newTestService(store, sink, Options{})

	result, err := service.IngestTraces(ctx, testIdentity, []byte(anthropicBatch))
	if err != nil {
		t.Fatalf("IngestTraces() error: %v", err)
	}
	if result.AcceptedSpans != 3 || result.RejectedSpans != 0 {
		t.Fatalf("result=%+v, want 3 accepted", result)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("profiles=%d, want 1", len(profiles))
	}
	first := profiles[0]
	if first.VendorSlug != "anthropic" || first.TotalSpans != 3 || first.TotalErrors != 1 || first.TotalTraces != 2 {
		t.Fatalf("profile after first batch=%+v", first)
	}

	if _, err := service.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err != nil {
		t.Fatalf("second IngestTraces() error: %v", err)
	}
	second, err := store.GetToolProfile(ctx, "cust-1", first.ID)
	if err != nil {
		t.Fatalf("GetToolProfile() error: %v", err)
	}
	if second.TotalSpans != 6 || second.TotalErrors != 2 || second.TotalTraces != 4 {
		t.Fatalf("profile after second batch=%+v, want 6 spans and 2 errors", second)
	}
	if !second.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Fatalf("first_seen moved from %s to %s", first.FirstSeenAt, second.FirstSeenAt)
	}

	discovered := sink.byType(metering.EventVendorDiscovered)
	if len(discovered) != 1 || discovered[0].VendorSlug != "anthropic" || discovered[0].ToolProfileID != first.ID {
		t.Fatalf("discovered events=%+v, want exactly one for anthropic", discovered)
	}
	batches := sink.byType(metering.EventBatchIngested)
	if len(batches) != 2 || batches[0].Count != 3 || batches[0].Signal != telemetry.SignalTraces {
		t.Fatalf("batch events=%+v", batches)
	}

	spans, err := store.QuerySpans(ctx, telemetry.RangeFilter{CustomerID: "cust-1", ToolProfileID: first.ID})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(spans) != 6 {
		t.Fatalf("stored spans=%d, want 6", len(spans))
	}
	var timed, untimed int
	for _, span := range spans {
		if span.SpanAttributes[otlp.AttrUserID] != "user-7" || span.UserID != "user-7" {
			t.Fatalf("span identity attrs=%v user=%q", span.SpanAttributes, span.UserID)
		}
		if span.DurationMS == nil {
			untimed++
			if span.StatusCode != telemetry.StatusError {
				t.Fatalf("untimed span status=%s, want ERROR", span.StatusCode)
			}
			continue
		}
		timed++
		if *span.DurationMS != 100 && *span.DurationMS != 200 {
			t.Fatalf("duration=%d, want 100 or 200", *span.DurationMS)
		}
	}
	if timed != 4 || untimed != 2 {
		t.Fatalf("timed=%d untimed=%d, want 4/2", timed, untimed)
	}
}

func TestIngestTracesFeedsSpanDrivenUsage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	service := newTestService(store, nil, Options{})
	if _, err := service.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err != nil {
		t.Fatalf("IngestTraces() error: %v", err)
	}
	profiles, _ := store.ListToolProfiles(ctx, "cust-1")

	report, err := usage.NewEngine(store, usage.Options{}).ComputeUsage(ctx, usage.Request{
		CustomerID:    "cust-1",
		ToolProfileID: profiles[0].ID,
		Now:           time.Unix(0, 1777896002000000000),
	})
	if err != nil {
		t.Fatalf("ComputeUsage() error: %v", err)
	}
	if report.Source != usage.SourceSpans || report.Totals.Requests != 3 || report.Totals.Errors != 1 {
		t.Fatalf("report source=%q totals=%+v", report.Source, report.Totals)
	}
	if report.Totals.AvgDurationMs != 150 || report.Totals.InputTokens != 100 {
		t.Fatalf("totals=%+v, want avg 150ms and 100 input tokens", report.Totals)
	}
}

func TestIngestMetricsCreatesProfileAndPoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	service := newTestService(store, sink, Options{})

	body, err := otlp.SampleMetrics("openai-agents", testNow.Add(-time.Minute))
	if err != nil {
		t.Fatalf("SampleMetrics() error: %v", err)
	}
	result, err := service.IngestMetrics(ctx, testIdentity, body)
	if err != nil {
		t.Fatalf("IngestMetrics() error: %v", err)
	}
	if result.AcceptedDataPoints != 4 || result.RejectedDataPoints != 0 {
		t.Fatalf("result=%+v, want 4 accepted", result)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil || len(profiles) != 1 {
		t.Fatalf("profiles=%+v err=%v", profiles, err)
	}
	profile := profiles[0]
	if profile.VendorSlug != "openai" || profile.TotalSpans != 0 || profile.TotalErrors != 0 {
		t.Fatalf("profile=%+v, want openai with zero counters", profile)
	}
	if len(sink.byType(metering.EventVendorDiscovered)) != 1 {
		t.Fatalf("discovered events=%+v", sink.byType(metering.EventVendorDiscovered))
	}

	report, err := usage.NewEngine(store, usage.Options{}).ComputeUsage(ctx, usage.Request{
		CustomerID:    "cust-1",
		ToolProfileID: profile.ID,
		Now:           testNow,
	})
	if err != nil {
		t.Fatalf("ComputeUsage() error: %v", err)
	}
	if report.Source != usage.SourceMetrics {
		t.Fatalf("source=%q, want metrics", report.Source)
	}
	if len(report.ModelLatency) != 1 || report.ModelLatency[0].P50Ms != 100 {
		t.Fatalf("modelLatency=%+v, want p50 100ms", report.ModelLatency)
	}
	if report.Totals.InputTokens != 1200 || report.Totals.OutputTokens != 450 || report.Totals.Errors != 1 {
		t.Fatalf("totals=%+v", report.Totals)
	}
}

func TestIngestRejectsBadShapeWithoutWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	service := newTestService(store, sink, Options{})

	for _, body := range []string{`{"resourceSpans": {}}`, `[]`, `not json`, `{}`} {
		if _, err := service.IngestTraces(ctx, testIdentity, []byte(body)); !errors.Is(err, otlp.ErrInvalidPayload) {
			t.Fatalf("IngestTraces(%s) error=%v, want ErrInvalidPayload", body, err)
		}
	}
	if _, err := service.IngestMetrics(ctx, testIdentity, []byte(`{"resourceSpans": []}`)); !errors.Is(err, otlp.ErrInvalidPayload) {
		t.Fatalf("IngestMetrics(wrong key) error=%v, want ErrInvalidPayload", err)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil || len(profiles) != 0 {
		t.Fatalf("profiles=%+v err=%v, want none", profiles, err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("metering events=%+v, want none", sink.events)
	}
}

func TestIngestKeepsSpansWithMistypedFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	service := newTestService(store, &recordingSink{}, Options{})

	body := `{"resourceSpans": [{
		"resource": [],
		"scopeSpans": [{"spans": [
			{"traceId": "t1", "spanId": "s1", "name": "chat",
			 "startTimeUnixNano": "1777896000000000000", "endTimeUnixNano": "1777896000100000000",
			 "status": "STATUS_CODE_ERROR"}
		]}]
	}]}`
	result, err := service.IngestTraces(ctx, testIdentity, []byte(body))
	if err != nil {
		t.Fatalf("IngestTraces() error: %v", err)
	}
	if result.AcceptedSpans != 1 {
		t.Fatalf("result=%+v, want 1 accepted", result)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil || len(profiles) != 1 {
		t.Fatalf("profiles=%+v err=%v", profiles, err)
	}
	if profiles[0].VendorSlug != "unknown" || profiles[0].TotalSpans != 1 || profiles[0].TotalTraces != 1 {
		t.Fatalf("profile=%+v, want unknown vendor with 1 span on 1 trace", profiles[0])
	}
	spans, err := store.QuerySpans(ctx, telemetry.RangeFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(spans) != 1 || spans[0].TraceID != "t1" || spans[0].SpanID != "s1" || spans[0].DurationMS == nil || *spans[0].DurationMS != 100 {
		t.Fatalf("spans=%+v, want t1/s1 with 100ms duration", spans)
	}
	if spans[0].StatusCode != telemetry.StatusUnset {
		t.Fatalf("status=%q, want UNSET for a mistyped status", spans[0].StatusCode)
	}
}

func TestIngestEmptyBatchSkipsPersistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	service := newTestService(store, sink, Options{})

	result, err := service.IngestTraces(ctx, testIdentity, []byte(`{"resourceSpans": [{"scopeSpans": [{"spans": []}]}]}`))
	if err != nil || result.AcceptedSpans != 0 {
		t.Fatalf("IngestTraces(empty) result=%+v err=%v", result, err)
	}
	metrics, err := service.IngestMetrics(ctx, testIdentity, []byte(`{"resourceMetrics": []}`))
	if err != nil || metrics.AcceptedDataPoints != 0 {
		t.Fatalf("IngestMetrics(empty) result=%+v err=%v", metrics, err)
	}
	profiles, _ := store.ListToolProfiles(ctx, "cust-1")
	if len(profiles) != 0 || len(sink.events) != 0 {
		t.Fatalf("profiles=%d events=%d, want none", len(profiles), len(sink.events))
	}
}

func TestIngestSplitsBatchByVendor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	service := newTestService(store, nil, Options{})

	body := `{"resourceSpans": [
		{"resource": {"attributes": [{"key": "gen_ai.system", "value": {"stringValue": "openai"}},
		                             {"key": "service.name", "value": {"stringValue": "claude-code"}}]},
		 "scopeSpans": [{"spans": [{"traceId": "a", "spanId": "1"}, {"traceId": "a", "spanId": "2"}]}]},
		{"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "cursor"}}]},
		 "scopeSpans": [{"spans": [{"spanId": "3", "status": {"code": 2}}]}]}
	]}`
	if _, err := service.IngestTraces(ctx, testIdentity, []byte(body)); err != nil {
		t.Fatalf("IngestTraces() error: %v", err)
	}

	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	bySlug := map[string]telemetry.ToolProfile{}
	for _, p := range profiles {
		bySlug[p.VendorSlug] = p
	}
	if p := bySlug["openai"]; p.TotalSpans != 2 || p.TotalTraces != 1 || p.TotalErrors != 0 {
		t.Fatalf("openai profile=%+v", p)
	}
	if p := bySlug["cursor"]; p.TotalSpans != 1 || p.TotalTraces != 0 || p.TotalErrors != 1 {
		t.Fatalf("cursor profile=%+v, want empty trace id not counted", p)
	}
	spans, _ := store.QuerySpans(ctx, telemetry.RangeFilter{CustomerID: "cust-1", VendorSlug: "cursor"})
	if len(spans) != 1 || spans[0].ToolProfileID != bySlug["cursor"].ID {
		t.Fatalf("cursor spans=%+v", spans)
	}
}

func TestIngestConcurrentBatchesForNewVendor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	service := newTestService(store, sink, Options{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent IngestTraces() error: %v", err)
	}

	profiles, _ := store.ListToolProfiles(ctx, "cust-1")
	if len(profiles) != 1 || profiles[0].TotalSpans != 3*workers || profiles[0].TotalErrors != workers {
		t.Fatalf("profiles=%+v, want one profile with %d spans", profiles, 3*workers)
	}
	if got := len(sink.byType(metering.EventVendorDiscovered)); got != 1 {
		t.Fatalf("discovered events=%d, want exactly 1", got)
	}
}

func TestIngestStoreFailureFailsBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	observer := &recordingObserver{}
	sink := &recordingSink{}
	service := newTestService(collidingIDStore{SQLiteStore: store}, sink, Options{Observer: observer})

	if _, err := service.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err == nil {
		t.Fatal("IngestTraces() error=nil, want insert failure")
	}
	if len(observer.failures) != 1 || observer.failures[0] != telemetry.ErrorClassConstraint {
		t.Fatalf("observer failures=%v, want [constraint]", observer.failures)
	}
	if len(sink.events) != 0 {
		t.Fatalf("metering events=%+v, want none for a failed batch", sink.events)
	}
	profiles, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("profiles after failed batch=%+v, want none", profiles)
	}

	// The client retries the same batch against a healthy store.
	retry := newTestService(store, sink, Options{Observer: observer})
	if _, err := retry.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err != nil {
		t.Fatalf("retried IngestTraces() error: %v", err)
	}
	profiles, err = store.ListToolProfiles(ctx, "cust-1")
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 1 || profiles[0].TotalSpans != 3 || profiles[0].TotalErrors != 1 || profiles[0].TotalTraces != 2 {
		t.Fatalf("profiles after retry=%+v, want one profile with 3 spans", profiles)
	}
	discovered := sink.byType(metering.EventVendorDiscovered)
	if len(discovered) != 1 || discovered[0].ToolProfileID != profiles[0].ID {
		t.Fatalf("discovered events=%+v, want exactly one for %s", discovered, profiles[0].ID)
	}
	spans, err := store.QuerySpans(ctx, telemetry.RangeFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("spans after retry=%d, want 3", len(spans))
	}
}

func TestIngestStoreFailureLeavesExistingCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	sink := &recordingSink{}
	healthy := newTestService(store, sink, Options{})
	if _, err := healthy.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err != nil {
		t.Fatalf("IngestTraces() error: %v", err)
	}
	before, err := store.ListToolProfiles(ctx, "cust-1")
	if err != nil || len(before) != 1 {
		t.Fatalf("profiles=%+v err=%v", before, err)
	}

	failing := newTestService(collidingIDStore{SQLiteStore: store}, sink, Options{})
	if _, err := failing.IngestTraces(ctx, testIdentity, []byte(anthropicBatch)); err == nil {
		t.Fatal("IngestTraces() error=nil, want insert failure")
	}
	body, err := otlp.SampleMetrics("anthropic-python", testNow.Add(-time.Minute))
	if err != nil {
		t.Fatalf("SampleMetrics() error: %v", err)
	}
	if _, err := failing.IngestMetrics(ctx, testIdentity, body); err == nil {
		t.Fatal("IngestMetrics() error=nil, want insert failure")
	}

	after, err := store.GetToolProfile(ctx, "cust-1", before[0].ID)
	if err != nil {
		t.Fatalf("GetToolProfile() error: %v", err)
	}
	if after.TotalSpans != before[0].TotalSpans || after.TotalTraces != before[0].TotalTraces ||
		after.TotalErrors != before[0].TotalErrors || !after.LastSeenAt.Equal(before[0].LastSeenAt) {
		t.Fatalf("profile after failed batches=%+v, want unchanged %+v", *after, before[0])
	}
	points, err := store.QueryMetricPoints(ctx, telemetry.RangeFilter{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("QueryMetricPoints() error: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("metric points=%d, want none", len(points))
	}
}

func TestIngestSideEffectFailuresDoNotFailBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	observer := &recordingObserver{}
	mirror := &failingMirror{}
	sink := &recordingSink{err: metering.ErrQueueFull}
	service := newTestService(store, sink, Options{Mirror: mirror, Observer: observer})

	result, err := service.IngestTraces(context.Background(), testIdentity, []byte(anthropicBatch))
	if err != nil || result.AcceptedSpans != 3 {
		t.Fatalf("IngestTraces() result=%+v err=%v", result, err)
	}
	if mirror.calls != 1 {
		t.Fatalf("mirror calls=%d, want 1", mirror.calls)
	}
	if observer.metering != 2 || observer.batches != 1 {
		t.Fatalf("observer metering=%d batches=%d, want 2/1", observer.metering, observer.batches)
	}
	if len(observer.discovered) != 1 || observer.discovered[0] != "anthropic" {
		t.Fatalf("observer discovered=%v, want [anthropic]", observer.discovered)
	}
}

func TestIngestRequiresCustomer(t *testing.T) {
	t.Parallel()

	service := newTestService(newTestStore(t), nil, Options{})
	if _, err := service.IngestTraces(context.Background(), Identity{}, []byte(anthropicBatch)); err == nil {
		t.Fatal("IngestTraces(no customer) error=nil")
	}
}
