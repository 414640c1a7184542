package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TOOLTELEMETRY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TOOLTELEMETRY_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func cleanupPostgresCustomer(t *testing.T, store *PostgresStore, customerID string) {
	t.Helper()

	t.Cleanup(func() {
		for _, table := range []string{"spans", "metric_points", "tool_profiles"} {
			if _, err := store.db.ExecContext(context.Background(), `DELETE FROM `+table+` WHERE customer_id = $1`, customerID); err != nil {
				t.Fatalf("cleanup %s: %v", table, err)
			}
		}
	})
}

func TestPostgresUpsertToolProfileConcurrentBatches(t *testing.T) {
	store := newPostgresTestStore(t)
	customerID := fmt.Sprintf("cust-pg-%d", time.Now().UnixNano())
	cleanupPostgresCustomer(t, store, customerID)

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.UpsertToolProfile(context.Background(), ToolProfileDelta{
				CustomerID: customerID,
				VendorSlug: "anthropic",
				Spans:      3,
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
	profiles, err := store.ListToolProfiles(context.Background(), customerID)
	if err != nil {
		t.Fatalf("ListToolProfiles() error: %v", err)
	}
	if len(profiles) != 1 || profiles[0].TotalSpans != 3*workers || profiles[0].TotalErrors != workers {
		t.Fatalf("profiles=%+v, want one profile with spans=%d errors=%d", profiles, 3*workers, workers)
	}
}

func TestPostgresStoreRoundTripsSpansAndMetricPoints(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	customerID := fmt.Sprintf("cust-pg-rt-%d", time.Now().UnixNano())
	cleanupPostgresCustomer(t, store, customerID)

	profile := mustUpsertProfile(t, store, customerID, "openai")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := at.Add(200 * time.Millisecond)
	duration := int64(200)
	count := int64(4)
	sum := 100.0

	if err := store.InsertSpans(ctx, []Span{{
		CustomerID:     customerID,
		ToolProfileID:  profile.ID,
		TraceID:        "t1",
		SpanID:         "s1",
		StartTime:      at,
		EndTime:        &end,
		DurationMS:     &duration,
		StatusCode:     StatusOK,
		VendorSlug:     "openai",
		SpanAttributes: map[string]string{"gen_ai.usage.input_tokens": "12"},
	}}); err != nil {
		t.Fatalf("InsertSpans() error: %v", err)
	}
	if err := store.InsertMetricPoints(ctx, []MetricPoint{{
		CustomerID:     customerID,
		ToolProfileID:  profile.ID,
		VendorSlug:     "openai",
		MetricName:     "gen_ai.client.operation.duration",
		Kind:           MetricKindHistogram,
		Count:          &count,
		Sum:            &sum,
		BucketCounts:   []int64{1, 3},
		ExplicitBounds: []float64{25},
		Time:           at,
	}}); err != nil {
		t.Fatalf("InsertMetricPoints() error: %v", err)
	}

	spans, err := store.QuerySpans(ctx, RangeFilter{CustomerID: customerID, ToolProfileID: profile.ID})
	if err != nil {
		t.Fatalf("QuerySpans() error: %v", err)
	}
	if len(spans) != 1 || spans[0].DurationMS == nil || *spans[0].DurationMS != 200 || spans[0].SpanAttributes["gen_ai.usage.input_tokens"] != "12" {
		t.Fatalf("spans=%+v", spans)
	}

	points, err := store.QueryMetricPoints(ctx, RangeFilter{CustomerID: customerID, From: at.Add(-time.Minute), To: at.Add(time.Minute)})
	if err != nil {
		t.Fatalf("QueryMetricPoints() error: %v", err)
	}
	if len(points) != 1 || len(points[0].BucketCounts) != 2 || points[0].ExplicitBounds[0] != 25 {
		t.Fatalf("points=%+v", points)
	}

	if err := store.DeleteToolProfile(ctx, customerID, profile.ID); err != nil {
		t.Fatalf("DeleteToolProfile() error: %v", err)
	}
	remaining, err := store.QuerySpans(ctx, RangeFilter{CustomerID: customerID})
	if err != nil {
		t.Fatalf("QuerySpans() after delete error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("spans after delete=%d, want 0", len(remaining))
	}
}

func TestPostgresIngestSpansRollsBackCountersOnInsertFailure(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	customerID := fmt.Sprintf("cust-pg-tx-%d", time.Now().UnixNano())
	cleanupPostgresCustomer(t, store, customerID)

	existing := mustUpsertProfile(t, store, customerID, "anthropic")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rowID := uuid.NewString()

	_, err := store.IngestSpans(ctx, []ToolProfileDelta{
		{CustomerID: customerID, VendorSlug: "anthropic", Spans: 2, Traces: 1, SeenAt: at},
	}, []Span{
		{ID: rowID, CustomerID: customerID, TraceID: "t1", SpanID: "s1", StartTime: at, VendorSlug: "anthropic"},
		{ID: rowID, CustomerID: customerID, TraceID: "t1", SpanID: "s2", StartTime: at, VendorSlug: "anthropic"},
	})
	if err == nil {
		t.Fatal("IngestSpans() error=nil, want primary key violation")
	}
	if class := ClassifyError(err); class != ErrorClassConstraint {
		t.Fatalf("ClassifyError()=%q, want constraint (err=%v)", class, err)
	}

	got, err := store.GetToolProfile(ctx, customerID, existing.ID)
	if err != nil {
		t.Fatalf("GetToolProfile() error: %v", err)
	}
	if got.TotalSpans != existing.TotalSpans || got.TotalTraces != existing.TotalTraces {
		t.Fatalf("profile=%+v, want counters unchanged from %+v", got, existing)
	}
}
