package storage

import (
	"context"

	"vessel-telemetry/internal/domain"
)

// Row is one (time, bin, field, value) tuple returned by a range query.
// Bin tells apart the depth cells a profiling instrument reports at the same
// timestamp; scalar series leave it zero.
type Row struct {
	TimestampMs int64
	Bin         int
	Field       string
	Value       float64
}

// RangeQuery selects fields of one measurement over [StartMs, EndMs] (inclusive).
type RangeQuery struct {
	Measurement string
	Fields      []string
	StartMs     int64
	EndMs       int64

	// Aggregation reduces each (bucket, bin) of width BucketMs, aligned to
	// StartMs. AggregationNone (or BucketMs <= 0) returns raw rows.
	Aggregation domain.Aggregation
	BucketMs    int64
}

// Aggregated reports whether the query asks the store to reduce buckets.
func (q RangeQuery) Aggregated() bool {
	return q.BucketMs > 0 && q.Aggregation != "" && q.Aggregation != domain.AggregationNone
}

// Validate checks the query before it reaches a backend.
func (q RangeQuery) Validate() error {
	if q.Measurement == "" || len(q.Fields) == 0 {
		return ErrInvalidInput
	}
	if q.EndMs < q.StartMs {
		return ErrInvalidInput
	}
	if q.Aggregation != "" && !q.Aggregation.Valid() {
		return ErrInvalidInput
	}
	return nil
}

// TimeSeriesSource is the append-only telemetry store. This engine only reads it.
type TimeSeriesSource interface {
	// RangeQuery returns rows ordered by (timestamp ASC, bin ASC, field ASC).
	// A range entirely in the future yields an empty result, not an error.
	RangeQuery(ctx context.Context, q RangeQuery) ([]Row, error)
}

// TargetRegistry resolves request selectors to feed definitions.
type TargetRegistry interface {
	// GetByID retrieves a target by selector. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Target, error)

	// List returns all targets ordered by ID.
	List(ctx context.Context) ([]*domain.Target, error)
}
