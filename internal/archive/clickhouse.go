// Package archive mirrors accepted spans and metric points into ClickHouse for
// long-range analysis outside the primary store.
package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = time.Second
)

type Config struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	MaxRetries  int
	TLS         *tls.Config
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

const spansTableDDL = `
CREATE TABLE IF NOT EXISTS tool_spans (
	id String,
	customer_id LowCardinality(String),
	user_id String,
	team_id String,
	tool_profile_id String,
	vendor_slug LowCardinality(String),
	service_name LowCardinality(String),
	trace_id String,
	span_id String,
	parent_span_id String,
	name String,
	kind LowCardinality(String),
	start_time DateTime64(3, 'UTC'),
	end_time Nullable(DateTime64(3, 'UTC')),
	duration_ms Nullable(Int64),
	status_code LowCardinality(String),
	status_message String,
	resource_attributes Map(String, String),
	span_attributes Map(String, String),
	created_at DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(start_time)
ORDER BY (customer_id, vendor_slug, start_time)
`

const metricPointsTableDDL = `
CREATE TABLE IF NOT EXISTS tool_metric_points (
	id String,
	customer_id LowCardinality(String),
	user_id String,
	team_id String,
	tool_profile_id String,
	vendor_slug LowCardinality(String),
	service_name LowCardinality(String),
	metric_name LowCardinality(String),
	metric_kind LowCardinality(String),
	unit String,
	attributes Map(String, String),
	value_double Nullable(Float64),
	value_int Nullable(Int64),
	count Nullable(Int64),
	sum Nullable(Float64),
	min Nullable(Float64),
	max Nullable(Float64),
	bucket_counts Array(Int64),
	explicit_bounds Array(Float64),
	time DateTime64(3, 'UTC'),
	start_time Nullable(DateTime64(3, 'UTC')),
	created_at DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(time)
ORDER BY (customer_id, vendor_slug, metric_name, time)
`

// ClickHouseArchive appends rows to ClickHouse with one batch per call.
type ClickHouseArchive struct {
	conn   driver.Conn
	logger *slog.Logger
}

// OpenClickHouse connects with exponential backoff and creates the archive
// tables when they are missing.
func OpenClickHouse(ctx context.Context, cfg Config, logger *slog.Logger) (*ClickHouseArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              cfg.TLS,
	}

	var (
		conn driver.Conn
		err  error
	)
	delay := defaultRetryDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				break
			}
			_ = conn.Close()
		}
		if attempt == cfg.MaxRetries {
			return nil, fmt.Errorf("connect to clickhouse after %d attempts: %w", cfg.MaxRetries, err)
		}
		logger.Warn("clickhouse connect failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}

	for _, ddl := range []string{spansTableDDL, metricPointsTableDDL} {
		if err := conn.Exec(ctx, ddl); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("create archive table: %w", err)
		}
	}
	return &ClickHouseArchive{conn: conn, logger: logger}, nil
}

func (a *ClickHouseArchive) MirrorSpans(ctx context.Context, spans []telemetry.Span) error {
	if len(spans) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO tool_spans")
	if err != nil {
		return fmt.Errorf("prepare span batch: %w", err)
	}
	for _, span := range spans {
		if err := batch.Append(spanValues(span)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append span %s: %w", span.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send span batch: %w", err)
	}
	return nil
}

func (a *ClickHouseArchive) MirrorMetricPoints(ctx context.Context, points []telemetry.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO tool_metric_points")
	if err != nil {
		return fmt.Errorf("prepare metric point batch: %w", err)
	}
	for _, point := range points {
		if err := batch.Append(metricPointValues(point)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append metric point %s: %w", point.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send metric point batch: %w", err)
	}
	return nil
}

func (a *ClickHouseArchive) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// spanValues orders span fields as the tool_spans columns.
func spanValues(span telemetry.Span) []any {
	return []any{
		span.ID,
		span.CustomerID,
		span.UserID,
		span.TeamID,
		span.ToolProfileID,
		span.VendorSlug,
		span.ServiceName,
		span.TraceID,
		span.SpanID,
		span.ParentSpanID,
		span.Name,
		string(span.Kind),
		span.StartTime.UTC(),
		utcPtr(span.EndTime),
		span.DurationMS,
		string(span.StatusCode),
		span.StatusMessage,
		nonNilMap(span.ResourceAttributes),
		nonNilMap(span.SpanAttributes),
		span.CreatedAt.UTC(),
	}
}

// metricPointValues orders point fields as the tool_metric_points columns.
func metricPointValues(point telemetry.MetricPoint) []any {
	buckets := point.BucketCounts
	if buckets == nil {
		buckets = []int64{}
	}
	bounds := point.ExplicitBounds
	if bounds == nil {
		bounds = []float64{}
	}
	return []any{
		point.ID,
		point.CustomerID,
		point.UserID,
		point.TeamID,
		point.ToolProfileID,
		point.VendorSlug,
		point.ServiceName,
		point.MetricName,
		string(point.Kind),
		point.Unit,
		nonNilMap(point.Attributes),
		point.ValueDouble,
		point.ValueInt,
		point.Count,
		point.Sum,
		point.Min,
		point.Max,
		buckets,
		bounds,
		point.Time.UTC(),
		utcPtr(point.StartTime),
		point.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
