package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ongoingai/tooltelemetry/migrations"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for the migrate command.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const postgresProfileColumns = `
id,
customer_id,
vendor_slug,
display_name,
category,
total_spans,
total_traces,
total_errors,
first_seen_at,
last_seen_at
`

// UpsertToolProfile relies on INSERT ... ON CONFLICT taking the row lock, so
// concurrent batches for the same vendor serialize on the counters and only
// one of them observes its own candidate id.
func (s *PostgresStore) UpsertToolProfile(ctx context.Context, delta ToolProfileDelta) (ToolProfileUpsert, error) {
	return postgresUpsertProfile(ctx, s.db, delta)
}

func (s *PostgresStore) InsertSpans(ctx context.Context, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}
	assignSpanIdentity(spans, time.Now().UTC())

	return s.withTx(ctx, "span", func(tx *sql.Tx) error {
		return postgresInsertSpans(ctx, tx, spans)
	})
}

func (s *PostgresStore) InsertMetricPoints(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	assignMetricPointIdentity(points, time.Now().UTC())

	return s.withTx(ctx, "metric", func(tx *sql.Tx) error {
		return postgresInsertMetricPoints(ctx, tx, points)
	})
}

// IngestSpans applies deltas and inserts spans in one transaction. The
// profile row locks are held until commit, so a failed insert leaves the
// counters untouched.
func (s *PostgresStore) IngestSpans(ctx context.Context, deltas []ToolProfileDelta, spans []Span) ([]ToolProfileUpsert, error) {
	if err := validateDeltas(deltas); err != nil {
		return nil, err
	}
	assignSpanIdentity(spans, time.Now().UTC())

	var results []ToolProfileUpsert
	err := s.withTx(ctx, "ingest span", func(tx *sql.Tx) error {
		upserts, err := upsertAll(deltas, func(delta ToolProfileDelta) (ToolProfileUpsert, error) {
			return postgresUpsertProfile(ctx, tx, delta)
		})
		if err != nil {
			return err
		}
		stampSpanProfiles(spans, upserts)
		if err := postgresInsertSpans(ctx, tx, spans); err != nil {
			return err
		}
		results = upserts
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %d spans: %w", len(spans), err)
	}
	return results, nil
}

func (s *PostgresStore) IngestMetricPoints(ctx context.Context, deltas []ToolProfileDelta, points []MetricPoint) ([]ToolProfileUpsert, error) {
	if err := validateDeltas(deltas); err != nil {
		return nil, err
	}
	assignMetricPointIdentity(points, time.Now().UTC())

	var results []ToolProfileUpsert
	err := s.withTx(ctx, "ingest metric", func(tx *sql.Tx) error {
		upserts, err := upsertAll(deltas, func(delta ToolProfileDelta) (ToolProfileUpsert, error) {
			return postgresUpsertProfile(ctx, tx, delta)
		})
		if err != nil {
			return err
		}
		stampMetricPointProfiles(points, upserts)
		if err := postgresInsertMetricPoints(ctx, tx, points); err != nil {
			return err
		}
		results = upserts
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %d metric points: %w", len(points), err)
	}
	return results, nil
}

func (s *PostgresStore) withTx(ctx context.Context, label string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres %s transaction: %w", label, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres %s transaction: %w", label, err)
	}
	return nil
}

func postgresUpsertProfile(ctx context.Context, q sqlExecutor, delta ToolProfileDelta) (ToolProfileUpsert, error) {
	if err := delta.validate(); err != nil {
		return ToolProfileUpsert{}, err
	}
	seenAt := delta.SeenAt.UTC()
	if delta.SeenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	candidateID := uuid.NewString()

	row := q.QueryRowContext(ctx, `
INSERT INTO tool_profiles (
    id,
    customer_id,
    vendor_slug,
    display_name,
    category,
    total_spans,
    total_traces,
    total_errors,
    first_seen_at,
    last_seen_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (customer_id, vendor_slug) DO UPDATE SET
    total_spans = tool_profiles.total_spans + EXCLUDED.total_spans,
    total_traces = tool_profiles.total_traces + EXCLUDED.total_traces,
    total_errors = tool_profiles.total_errors + EXCLUDED.total_errors,
    last_seen_at = GREATEST(tool_profiles.last_seen_at, EXCLUDED.last_seen_at)
RETURNING `+postgresProfileColumns,
		candidateID,
		delta.CustomerID,
		delta.VendorSlug,
		strings.TrimSpace(delta.DisplayName),
		categoryOrUnknown(delta.Category),
		delta.Spans,
		delta.Traces,
		delta.Errors,
		seenAt,
	)
	profile, err := scanPostgresProfile(row)
	if err != nil {
		return ToolProfileUpsert{}, fmt.Errorf("upsert tool profile %s/%s: %w", delta.CustomerID, delta.VendorSlug, err)
	}
	return ToolProfileUpsert{Profile: *profile, Inserted: profile.ID == candidateID}, nil
}

func postgresInsertSpans(ctx context.Context, q sqlExecutor, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}
	stmt, err := q.PrepareContext(ctx, `
INSERT INTO spans (
    id,
    customer_id,
    user_id,
    team_id,
    tool_profile_id,
    trace_id,
    span_id,
    parent_span_id,
    name,
    kind,
    start_time,
    end_time,
    duration_ms,
    status_code,
    status_message,
    vendor_slug,
    service_name,
    resource_attributes,
    span_attributes,
    signal_type,
    created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
    $18::jsonb,
    $19::jsonb,
    $20,
    $21
)`)
	if err != nil {
		return fmt.Errorf("prepare postgres span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		resourceAttrs, err := encodeAttributes(span.ResourceAttributes)
		if err != nil {
			return err
		}
		spanAttrs, err := encodeAttributes(span.SpanAttributes)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			span.ID,
			span.CustomerID,
			nullIfEmpty(span.UserID),
			nullIfEmpty(span.TeamID),
			nullIfEmpty(span.ToolProfileID),
			span.TraceID,
			span.SpanID,
			nullIfEmpty(span.ParentSpanID),
			span.Name,
			string(span.Kind),
			span.StartTime.UTC(),
			postgresTimePtr(span.EndTime),
			nullInt(span.DurationMS),
			string(span.StatusCode),
			nullIfEmpty(span.StatusMessage),
			span.VendorSlug,
			nullIfEmpty(span.ServiceName),
			resourceAttrs,
			spanAttrs,
			span.SignalType,
			span.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert span %q: %w", span.ID, err)
		}
	}

	return nil
}

func postgresInsertMetricPoints(ctx context.Context, q sqlExecutor, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := q.PrepareContext(ctx, `
INSERT INTO metric_points (
    id,
    customer_id,
    user_id,
    team_id,
    tool_profile_id,
    vendor_slug,
    service_name,
    metric_name,
    metric_kind,
    unit,
    description,
    attributes,
    value_double,
    value_int,
    count,
    sum,
    min,
    max,
    bucket_counts,
    explicit_bounds,
    quantile_values,
    time,
    start_time,
    created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
    $12::jsonb,
    $13, $14, $15, $16, $17, $18,
    $19::jsonb,
    $20::jsonb,
    $21::jsonb,
    $22, $23, $24
)`)
	if err != nil {
		return fmt.Errorf("prepare postgres metric insert: %w", err)
	}
	defer stmt.Close()

	for _, point := range points {
		args, err := encodeMetricPointArgs(point)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			point.ID,
			point.CustomerID,
			nullIfEmpty(point.UserID),
			nullIfEmpty(point.TeamID),
			nullIfEmpty(point.ToolProfileID),
			point.VendorSlug,
			nullIfEmpty(point.ServiceName),
			point.MetricName,
			string(point.Kind),
			point.Unit,
			point.Description,
			args.attributes,
			nullFloat(point.ValueDouble),
			nullInt(point.ValueInt),
			nullInt(point.Count),
			nullFloat(point.Sum),
			nullFloat(point.Min),
			nullFloat(point.Max),
			args.bucketCounts,
			args.explicitBounds,
			args.quantileValues,
			point.Time.UTC(),
			postgresTimePtr(point.StartTime),
			point.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert metric point %q: %w", point.ID, err)
		}
	}

	return nil
}

func (s *PostgresStore) ListToolProfiles(ctx context.Context, customerID string) ([]ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+postgresProfileColumns+`
FROM tool_profiles
WHERE customer_id = $1
ORDER BY last_seen_at DESC, vendor_slug ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query tool profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]ToolProfile, 0)
	for rows.Next() {
		profile, err := scanPostgresProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool profile row: %w", err)
		}
		profiles = append(profiles, *profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool profile rows: %w", err)
	}
	return profiles, nil
}

func (s *PostgresStore) GetToolProfile(ctx context.Context, customerID, id string) (*ToolProfile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresProfileColumns+" FROM tool_profiles WHERE customer_id = $1 AND id = $2 LIMIT 1", customerID, id)
	profile, err := scanPostgresProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool profile %q: %w", id, err)
	}
	return profile, nil
}

const postgresSpanColumns = `
id,
customer_id,
COALESCE(user_id, ''),
COALESCE(team_id, ''),
COALESCE(tool_profile_id, ''),
trace_id,
span_id,
COALESCE(parent_span_id, ''),
name,
kind,
start_time,
end_time,
duration_ms,
status_code,
COALESCE(status_message, ''),
vendor_slug,
COALESCE(service_name, ''),
resource_attributes::text,
span_attributes::text,
signal_type,
created_at
`

func (s *PostgresStore) QuerySpans(ctx context.Context, filter RangeFilter) ([]Span, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	builder := buildPostgresRangeWhere(filter, "start_time")
	rows, err := s.db.QueryContext(ctx, "SELECT "+postgresSpanColumns+" FROM spans WHERE "+builder.where()+" ORDER BY start_time ASC, id ASC", builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	spans := make([]Span, 0)
	for rows.Next() {
		var (
			span          Span
			kind          string
			status        string
			endTime       sql.NullTime
			durationMS    sql.NullInt64
			resourceAttrs string
			spanAttrs     string
		)
		if err := rows.Scan(
			&span.ID,
			&span.CustomerID,
			&span.UserID,
			&span.TeamID,
			&span.ToolProfileID,
			&span.TraceID,
			&span.SpanID,
			&span.ParentSpanID,
			&span.Name,
			&kind,
			&span.StartTime,
			&endTime,
			&durationMS,
			&status,
			&span.StatusMessage,
			&span.VendorSlug,
			&span.ServiceName,
			&resourceAttrs,
			&spanAttrs,
			&span.SignalType,
			&span.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		span.Kind = SpanKind(kind)
		span.StatusCode = StatusCode(status)
		span.StartTime = span.StartTime.UTC()
		span.CreatedAt = span.CreatedAt.UTC()
		if endTime.Valid {
			end := endTime.Time.UTC()
			span.EndTime = &end
		}
		span.DurationMS = intPtr(durationMS)
		if span.ResourceAttributes, err = decodeAttributes(resourceAttrs); err != nil {
			return nil, err
		}
		if span.SpanAttributes, err = decodeAttributes(spanAttrs); err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

const postgresMetricPointColumns = `
id,
customer_id,
COALESCE(user_id, ''),
COALESCE(team_id, ''),
COALESCE(tool_profile_id, ''),
vendor_slug,
COALESCE(service_name, ''),
metric_name,
metric_kind,
unit,
description,
attributes::text,
value_double,
value_int,
count,
sum,
min,
max,
bucket_counts::text,
explicit_bounds::text,
quantile_values::text,
time,
start_time,
created_at
`

func (s *PostgresStore) QueryMetricPoints(ctx context.Context, filter RangeFilter) ([]MetricPoint, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	builder := buildPostgresRangeWhere(filter, "time")
	rows, err := s.db.QueryContext(ctx, "SELECT "+postgresMetricPointColumns+" FROM metric_points WHERE "+builder.where()+" ORDER BY time ASC, id ASC", builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query metric points: %w", err)
	}
	defer rows.Close()

	points := make([]MetricPoint, 0)
	for rows.Next() {
		var (
			point          MetricPoint
			kind           string
			attributes     string
			valueDouble    sql.NullFloat64
			valueInt       sql.NullInt64
			count          sql.NullInt64
			sum            sql.NullFloat64
			minValue       sql.NullFloat64
			maxValue       sql.NullFloat64
			bucketCounts   sql.NullString
			explicitBounds sql.NullString
			quantileValues sql.NullString
			startTime      sql.NullTime
		)
		if err := rows.Scan(
			&point.ID,
			&point.CustomerID,
			&point.UserID,
			&point.TeamID,
			&point.ToolProfileID,
			&point.VendorSlug,
			&point.ServiceName,
			&point.MetricName,
			&kind,
			&point.Unit,
			&point.Description,
			&attributes,
			&valueDouble,
			&valueInt,
			&count,
			&sum,
			&minValue,
			&maxValue,
			&bucketCounts,
			&explicitBounds,
			&quantileValues,
			&point.Time,
			&startTime,
			&point.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan metric point row: %w", err)
		}
		point.Kind = MetricKind(kind)
		point.ValueDouble = floatPtr(valueDouble)
		point.ValueInt = intPtr(valueInt)
		point.Count = intPtr(count)
		point.Sum = floatPtr(sum)
		point.Min = floatPtr(minValue)
		point.Max = floatPtr(maxValue)
		point.Time = point.Time.UTC()
		point.CreatedAt = point.CreatedAt.UTC()
		if startTime.Valid {
			start := startTime.Time.UTC()
			point.StartTime = &start
		}
		if point.Attributes, err = decodeAttributes(attributes); err != nil {
			return nil, err
		}
		if err := decodeMetricPointArrays(&point, bucketCounts, explicitBounds, quantileValues); err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric point rows: %w", err)
	}
	return points, nil
}

func (s *PostgresStore) DeleteToolProfile(ctx context.Context, customerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE customer_id = $1 AND tool_profile_id = $2`, customerID, id); err != nil {
		return fmt.Errorf("delete profile spans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_points WHERE customer_id = $1 AND tool_profile_id = $2`, customerID, id); err != nil {
		return fmt.Errorf("delete profile metric points: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tool_profiles WHERE customer_id = $1 AND id = $2`, customerID, id)
	if err != nil {
		return fmt.Errorf("delete tool profile %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read delete row count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres delete transaction: %w", err)
	}
	return nil
}

func buildPostgresRangeWhere(filter RangeFilter, timeColumn string) *postgresWhereBuilder {
	builder := newPostgresWhereBuilder()
	builder.addComparison("customer_id", "=", filter.CustomerID)
	if filter.ToolProfileID != "" {
		builder.addComparison("tool_profile_id", "=", filter.ToolProfileID)
	}
	if filter.VendorSlug != "" {
		builder.addComparison("vendor_slug", "=", filter.VendorSlug)
	}
	if !filter.From.IsZero() {
		builder.addComparison(timeColumn, ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison(timeColumn, "<=", filter.To.UTC())
	}
	return builder
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 5),
		args:       make([]any, 0, 5),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresProfile(scanner rowScanner) (*ToolProfile, error) {
	var profile ToolProfile
	if err := scanner.Scan(
		&profile.ID,
		&profile.CustomerID,
		&profile.VendorSlug,
		&profile.DisplayName,
		&profile.Category,
		&profile.TotalSpans,
		&profile.TotalTraces,
		&profile.TotalErrors,
		&profile.FirstSeenAt,
		&profile.LastSeenAt,
	); err != nil {
		return nil, err
	}
	profile.FirstSeenAt = profile.FirstSeenAt.UTC()
	profile.LastSeenAt = profile.LastSeenAt.UTC()
	return &profile, nil
}

func postgresTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if _, err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
