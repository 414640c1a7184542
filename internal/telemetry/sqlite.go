package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/tooltelemetry/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows a single writer; batches and upserts are serialized here
	// so concurrent ingestion does not surface SQLITE_BUSY.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
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
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

const sqliteProfileColumns = `
id,
customer_id,
vendor_slug,
display_name,
category,
total_spans,
total_traces,
total_errors,
CAST(first_seen_at AS TEXT),
CAST(last_seen_at AS TEXT)
`

func (s *SQLiteStore) UpsertToolProfile(ctx context.Context, delta ToolProfileDelta) (ToolProfileUpsert, error) {
	if err := delta.validate(); err != nil {
		return ToolProfileUpsert{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result ToolProfileUpsert
	err := retrySQLiteBusy(ctx, func() error {
		var upsertErr error
		result, upsertErr = sqliteUpsertProfile(ctx, s.db, delta)
		return upsertErr
	})
	if err != nil {
		return ToolProfileUpsert{}, err
	}
	return result, nil
}

func (s *SQLiteStore) InsertSpans(ctx context.Context, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}
	assignSpanIdentity(spans, time.Now().UTC())

	err := s.withWriteTx(ctx, "span", func(tx *sql.Tx) error {
		return sqliteInsertSpans(ctx, tx, spans)
	})
	if err != nil {
		return fmt.Errorf("insert %d spans: %w", len(spans), err)
	}
	return nil
}

func (s *SQLiteStore) InsertMetricPoints(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	assignMetricPointIdentity(points, time.Now().UTC())

	err := s.withWriteTx(ctx, "metric", func(tx *sql.Tx) error {
		return sqliteInsertMetricPoints(ctx, tx, points)
	})
	if err != nil {
		return fmt.Errorf("insert %d metric points: %w", len(points), err)
	}
	return nil
}

// IngestSpans applies deltas and inserts spans in one transaction. A failed
// insert rolls the counter increments back with it.
func (s *SQLiteStore) IngestSpans(ctx context.Context, deltas []ToolProfileDelta, spans []Span) ([]ToolProfileUpsert, error) {
	if err := validateDeltas(deltas); err != nil {
		return nil, err
	}
	assignSpanIdentity(spans, time.Now().UTC())

	var results []ToolProfileUpsert
	err := s.withWriteTx(ctx, "ingest span", func(tx *sql.Tx) error {
		upserts, err := upsertAll(deltas, func(delta ToolProfileDelta) (ToolProfileUpsert, error) {
			return sqliteUpsertProfile(ctx, tx, delta)
		})
		if err != nil {
			return err
		}
		stampSpanProfiles(spans, upserts)
		if err := sqliteInsertSpans(ctx, tx, spans); err != nil {
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

// IngestMetricPoints is IngestSpans for metric points.
func (s *SQLiteStore) IngestMetricPoints(ctx context.Context, deltas []ToolProfileDelta, points []MetricPoint) ([]ToolProfileUpsert, error) {
	if err := validateDeltas(deltas); err != nil {
		return nil, err
	}
	assignMetricPointIdentity(points, time.Now().UTC())

	var results []ToolProfileUpsert
	err := s.withWriteTx(ctx, "ingest metric", func(tx *sql.Tx) error {
		upserts, err := upsertAll(deltas, func(delta ToolProfileDelta) (ToolProfileUpsert, error) {
			return sqliteUpsertProfile(ctx, tx, delta)
		})
		if err != nil {
			return err
		}
		stampMetricPointProfiles(points, upserts)
		if err := sqliteInsertMetricPoints(ctx, tx, points); err != nil {
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

// withWriteTx runs fn in one transaction under writeMu. The whole
// transaction is retried on lock contention.
func (s *SQLiteStore) withWriteTx(ctx context.Context, label string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite %s transaction: %w", label, err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite %s transaction: %w", label, err)
		}
		return nil
	})
}

func sqliteUpsertProfile(ctx context.Context, q sqlExecutor, delta ToolProfileDelta) (ToolProfileUpsert, error) {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (customer_id, vendor_slug) DO UPDATE SET
    total_spans = tool_profiles.total_spans + excluded.total_spans,
    total_traces = tool_profiles.total_traces + excluded.total_traces,
    total_errors = tool_profiles.total_errors + excluded.total_errors,
    last_seen_at = MAX(tool_profiles.last_seen_at, excluded.last_seen_at)
RETURNING `+sqliteProfileColumns,
		candidateID,
		delta.CustomerID,
		delta.VendorSlug,
		strings.TrimSpace(delta.DisplayName),
		categoryOrUnknown(delta.Category),
		delta.Spans,
		delta.Traces,
		delta.Errors,
		sqliteTime(seenAt),
		sqliteTime(seenAt),
	)
	profile, err := scanSQLiteProfile(row)
	if err != nil {
		return ToolProfileUpsert{}, fmt.Errorf("upsert tool profile %s/%s: %w", delta.CustomerID, delta.VendorSlug, err)
	}
	return ToolProfileUpsert{Profile: *profile, Inserted: profile.ID == candidateID}, nil
}

func sqliteInsertSpans(ctx context.Context, q sqlExecutor, spans []Span) error {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sqlite span insert: %w", err)
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
			sqliteTime(span.StartTime),
			sqliteTimePtr(span.EndTime),
			nullInt(span.DurationMS),
			string(span.StatusCode),
			nullIfEmpty(span.StatusMessage),
			span.VendorSlug,
			nullIfEmpty(span.ServiceName),
			resourceAttrs,
			spanAttrs,
			span.SignalType,
			sqliteTime(span.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert span %q: %w", span.ID, err)
		}
	}
	return nil
}

func sqliteInsertMetricPoints(ctx context.Context, q sqlExecutor, points []MetricPoint) error {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sqlite metric insert: %w", err)
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
			sqliteTime(point.Time),
			sqliteTimePtr(point.StartTime),
			sqliteTime(point.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert metric point %q: %w", point.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListToolProfiles(ctx context.Context, customerID string) ([]ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteProfileColumns+`
FROM tool_profiles
WHERE customer_id = ?
ORDER BY last_seen_at DESC, vendor_slug ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query tool profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]ToolProfile, 0)
	for rows.Next() {
		profile, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool profile rows: %w", err)
	}
	return profiles, nil
}

func (s *SQLiteStore) GetToolProfile(ctx context.Context, customerID, id string) (*ToolProfile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteProfileColumns+" FROM tool_profiles WHERE customer_id = ? AND id = ? LIMIT 1", customerID, id)
	profile, err := scanSQLiteProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool profile %q: %w", id, err)
	}
	return profile, nil
}

const sqliteSpanColumns = `
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
CAST(start_time AS TEXT),
CAST(end_time AS TEXT),
duration_ms,
status_code,
COALESCE(status_message, ''),
vendor_slug,
COALESCE(service_name, ''),
resource_attributes,
span_attributes,
signal_type,
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) QuerySpans(ctx context.Context, filter RangeFilter) ([]Span, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	whereSQL, args := buildSQLiteRangeWhere(filter, "start_time")
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteSpanColumns+" FROM spans WHERE "+whereSQL+" ORDER BY start_time ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	spans := make([]Span, 0)
	for rows.Next() {
		span, err := scanSQLiteSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

const sqliteMetricPointColumns = `
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
CAST(time AS TEXT),
CAST(start_time AS TEXT),
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) QueryMetricPoints(ctx context.Context, filter RangeFilter) ([]MetricPoint, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	whereSQL, args := buildSQLiteRangeWhere(filter, "time")
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteMetricPointColumns+" FROM metric_points WHERE "+whereSQL+" ORDER BY time ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("query metric points: %w", err)
	}
	defer rows.Close()

	points := make([]MetricPoint, 0)
	for rows.Next() {
		point, err := scanSQLiteMetricPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric point rows: %w", err)
	}
	return points, nil
}

func (s *SQLiteStore) DeleteToolProfile(ctx context.Context, customerID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite delete transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE customer_id = ? AND tool_profile_id = ?`, customerID, id); err != nil {
			return fmt.Errorf("delete profile spans: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metric_points WHERE customer_id = ? AND tool_profile_id = ?`, customerID, id); err != nil {
			return fmt.Errorf("delete profile metric points: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tool_profiles WHERE customer_id = ? AND id = ?`, customerID, id)
		if err != nil {
			return fmt.Errorf("delete tool profile: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read delete row count: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete tool profile %q: %w", id, err)
	}
	return nil
}

func buildSQLiteRangeWhere(filter RangeFilter, timeColumn string) (string, []any) {
	conditions := []string{"customer_id = ?"}
	args := []any{filter.CustomerID}

	if filter.ToolProfileID != "" {
		conditions = append(conditions, "tool_profile_id = ?")
		args = append(args, filter.ToolProfileID)
	}
	if filter.VendorSlug != "" {
		conditions = append(conditions, "vendor_slug = ?")
		args = append(args, filter.VendorSlug)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, timeColumn+" >= ?")
		args = append(args, sqliteTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, timeColumn+" <= ?")
		args = append(args, sqliteTime(filter.To))
	}
	return strings.Join(conditions, " AND "), args
}

func scanSQLiteProfile(scanner rowScanner) (*ToolProfile, error) {
	var (
		profile     ToolProfile
		firstSeenAt string
		lastSeenAt  string
	)
	if err := scanner.Scan(
		&profile.ID,
		&profile.CustomerID,
		&profile.VendorSlug,
		&profile.DisplayName,
		&profile.Category,
		&profile.TotalSpans,
		&profile.TotalTraces,
		&profile.TotalErrors,
		&firstSeenAt,
		&lastSeenAt,
	); err != nil {
		return nil, err
	}

	var err error
	if profile.FirstSeenAt, err = parseSQLiteTimestamp(firstSeenAt); err != nil {
		return nil, fmt.Errorf("parse first_seen_at: %w", err)
	}
	if profile.LastSeenAt, err = parseSQLiteTimestamp(lastSeenAt); err != nil {
		return nil, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return &profile, nil
}

func scanSQLiteSpan(scanner rowScanner) (Span, error) {
	var (
		span          Span
		kind          string
		status        string
		startTime     string
		endTime       sql.NullString
		durationMS    sql.NullInt64
		resourceAttrs string
		spanAttrs     string
		createdAt     string
	)
	if err := scanner.Scan(
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
		&startTime,
		&endTime,
		&durationMS,
		&status,
		&span.StatusMessage,
		&span.VendorSlug,
		&span.ServiceName,
		&resourceAttrs,
		&spanAttrs,
		&span.SignalType,
		&createdAt,
	); err != nil {
		return Span{}, fmt.Errorf("scan span row: %w", err)
	}
	span.Kind = SpanKind(kind)
	span.StatusCode = StatusCode(status)
	span.DurationMS = intPtr(durationMS)

	var err error
	if span.StartTime, err = parseSQLiteTimestamp(startTime); err != nil {
		return Span{}, fmt.Errorf("parse span start_time: %w", err)
	}
	if endTime.Valid {
		parsed, err := parseSQLiteTimestamp(endTime.String)
		if err != nil {
			return Span{}, fmt.Errorf("parse span end_time: %w", err)
		}
		span.EndTime = &parsed
	}
	if span.CreatedAt, err = parseSQLiteTimestamp(createdAt); err != nil {
		return Span{}, fmt.Errorf("parse span created_at: %w", err)
	}
	if span.ResourceAttributes, err = decodeAttributes(resourceAttrs); err != nil {
		return Span{}, err
	}
	if span.SpanAttributes, err = decodeAttributes(spanAttrs); err != nil {
		return Span{}, err
	}
	return span, nil
}

func scanSQLiteMetricPoint(scanner rowScanner) (MetricPoint, error) {
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
		pointTime      string
		startTime      sql.NullString
		createdAt      string
	)
	if err := scanner.Scan(
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
		&pointTime,
		&startTime,
		&createdAt,
	); err != nil {
		return MetricPoint{}, fmt.Errorf("scan metric point row: %w", err)
	}
	point.Kind = MetricKind(kind)
	point.ValueDouble = floatPtr(valueDouble)
	point.ValueInt = intPtr(valueInt)
	point.Count = intPtr(count)
	point.Sum = floatPtr(sum)
	point.Min = floatPtr(minValue)
	point.Max = floatPtr(maxValue)

	var err error
	if point.Attributes, err = decodeAttributes(attributes); err != nil {
		return MetricPoint{}, err
	}
	if err := decodeMetricPointArrays(&point, bucketCounts, explicitBounds, quantileValues); err != nil {
		return MetricPoint{}, err
	}
	if point.Time, err = parseSQLiteTimestamp(pointTime); err != nil {
		return MetricPoint{}, fmt.Errorf("parse metric point time: %w", err)
	}
	if startTime.Valid {
		parsed, err := parseSQLiteTimestamp(startTime.String)
		if err != nil {
			return MetricPoint{}, fmt.Errorf("parse metric point start_time: %w", err)
		}
		point.StartTime = &parsed
	}
	if point.CreatedAt, err = parseSQLiteTimestamp(createdAt); err != nil {
		return MetricPoint{}, fmt.Errorf("parse metric point created_at: %w", err)
	}
	return point, nil
}

// sqliteTimeLayout is fixed width so stored values order lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format %q", value)
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries lock contention from other processes sharing the file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func (s *SQLiteStore) configure() error {
	pragmas := []struct {
		statement string
		label     string
	}{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma.statement); err != nil {
			return fmt.Errorf("%s: %w", pragma.label, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if _, err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
