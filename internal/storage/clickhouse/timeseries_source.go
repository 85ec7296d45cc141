package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/storage"
)

// TimeSeriesSource implements storage.TimeSeriesSource over the telemetry table.
// Buckets are computed in SQL so the server returns at most one row per
// (bucket, bin, field).
type TimeSeriesSource struct {
	conn *Conn
}

// NewTimeSeriesSource creates a new TimeSeriesSource.
func NewTimeSeriesSource(conn *Conn) *TimeSeriesSource {
	return &TimeSeriesSource{conn: conn}
}

// Compile-time interface check.
var _ storage.TimeSeriesSource = (*TimeSeriesSource)(nil)

const rawRangeQuery = `
	SELECT toInt64(timestamp_ms), toInt64(bin), field, value
	FROM telemetry
	WHERE measurement = ? AND field IN (?) AND timestamp_ms >= ? AND timestamp_ms <= ?
	ORDER BY timestamp_ms ASC, bin ASC, field ASC
`

// bucketRangeQuery aligns buckets to the query start: start + floor((ts-start)/width)*width.
// The reducer placeholder is filled from a fixed whitelist, never from input.
const bucketRangeQuery = `
	SELECT
		toInt64(?) + intDiv(toInt64(timestamp_ms) - toInt64(?), toInt64(?)) * toInt64(?) AS bucket_ms,
		toInt64(bin) AS bin_no,
		field,
		%s AS value
	FROM telemetry
	WHERE measurement = ? AND field IN (?) AND timestamp_ms >= ? AND timestamp_ms <= ?
	GROUP BY bucket_ms, bin_no, field
	ORDER BY bucket_ms ASC, bin_no ASC, field ASC
`

// reducers maps aggregations to ClickHouse aggregate expressions.
var reducers = map[domain.Aggregation]string{
	domain.AggregationMean: "avg(value)",
	domain.AggregationLast: "argMax(value, timestamp_ms)",
}

// RangeQuery returns rows ordered by (timestamp ASC, bin ASC, field ASC).
func (s *TimeSeriesSource) RangeQuery(ctx context.Context, q storage.RangeQuery) ([]storage.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	// timestamp_ms is unsigned; nothing precedes the epoch
	if q.EndMs < 0 {
		return nil, nil
	}

	start := time.Now()
	rows, err := s.query(ctx, q)
	observability.RecordDBQuery("clickhouse", "range_query", time.Since(start).Seconds(), err)
	return rows, err
}

func (s *TimeSeriesSource) query(ctx context.Context, q storage.RangeQuery) ([]storage.Row, error) {
	var (
		result driver.Rows
		err    error
	)

	// Only the lower bound is clamped; buckets stay aligned to the requested start.
	lower := uint64(max(q.StartMs, 0))

	if q.Aggregated() {
		reducer, ok := reducers[q.Aggregation]
		if !ok {
			return nil, storage.ErrInvalidInput
		}
		result, err = s.conn.Query(ctx, fmt.Sprintf(bucketRangeQuery, reducer),
			q.StartMs, q.StartMs, q.BucketMs, q.BucketMs,
			q.Measurement, q.Fields, lower, uint64(q.EndMs),
		)
	} else {
		result, err = s.conn.Query(ctx, rawRangeQuery,
			q.Measurement, q.Fields, lower, uint64(q.EndMs),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s range: %w", q.Measurement, err)
	}
	defer result.Close()

	return scanRows(result)
}

// scanRows scans (timestamp, bin, field, value) rows.
func scanRows(rows chRows) ([]storage.Row, error) {
	var out []storage.Row

	for rows.Next() {
		var (
			r   storage.Row
			bin int64
		)
		if err := rows.Scan(&r.TimestampMs, &bin, &r.Field, &r.Value); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		r.Bin = int(bin)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry rows: %w", err)
	}

	return out, nil
}
