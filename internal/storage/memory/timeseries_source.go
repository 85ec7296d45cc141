package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
)

// TimeSeriesSource is an in-memory implementation of storage.TimeSeriesSource.
type TimeSeriesSource struct {
	mu   sync.RWMutex
	data map[string]map[string][]storage.Row // measurement -> field -> rows ordered by (timestamp, bin)
}

// NewTimeSeriesSource creates a new in-memory time series source.
func NewTimeSeriesSource() *TimeSeriesSource {
	return &TimeSeriesSource{
		data: make(map[string]map[string][]storage.Row),
	}
}

// rowKey generates a unique key for a row.
func rowKey(r storage.Row) string {
	return fmt.Sprintf("%s|%d|%d", r.Field, r.TimestampMs, r.Bin)
}

// Append adds rows to a measurement. Fails entire batch on duplicate (field, timestamp, bin).
// Fixtures and the demo feed call it; the streaming engine only reads.
func (s *TimeSeriesSource) Append(_ context.Context, measurement string, rows []storage.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if measurement == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.data[measurement]

	// First pass: check for duplicates (existing + intra-batch)
	batchKeys := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r.Field == "" || r.Bin < 0 {
			return storage.ErrInvalidInput
		}
		if hasRow(fields[r.Field], r) {
			return storage.ErrDuplicateKey
		}
		key := rowKey(r)
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	if fields == nil {
		fields = make(map[string][]storage.Row)
		s.data[measurement] = fields
	}
	touched := make(map[string]struct{})
	for _, r := range rows {
		fields[r.Field] = append(fields[r.Field], r)
		touched[r.Field] = struct{}{}
	}
	for field := range touched {
		fieldRows := fields[field]
		sort.SliceStable(fieldRows, func(i, j int) bool {
			return before(fieldRows[i], fieldRows[j])
		})
	}

	return nil
}

// before orders rows of one field by (timestamp, bin).
func before(a, b storage.Row) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	return a.Bin < b.Bin
}

// hasRow reports whether ordered rows already hold r's (timestamp, bin).
func hasRow(rows []storage.Row, r storage.Row) bool {
	i := sort.Search(len(rows), func(i int) bool { return !before(rows[i], r) })
	return i < len(rows) && rows[i].TimestampMs == r.TimestampMs && rows[i].Bin == r.Bin
}

// RangeQuery returns rows within [StartMs, EndMs] ordered by (timestamp, bin, field),
// reducing buckets when the query asks for aggregation.
func (s *TimeSeriesSource) RangeQuery(ctx context.Context, q storage.RangeQuery) ([]storage.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []storage.Row
	for _, field := range q.Fields {
		fieldRows := s.data[q.Measurement][field]

		lo := sort.Search(len(fieldRows), func(i int) bool { return fieldRows[i].TimestampMs >= q.StartMs })
		hi := sort.Search(len(fieldRows), func(i int) bool { return fieldRows[i].TimestampMs > q.EndMs })
		if lo >= hi {
			continue
		}
		inRange := fieldRows[lo:hi]

		if q.Aggregated() {
			result = append(result, aggregate(inRange, q)...)
		} else {
			result = append(result, inRange...)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].TimestampMs != result[j].TimestampMs {
			return result[i].TimestampMs < result[j].TimestampMs
		}
		if result[i].Bin != result[j].Bin {
			return result[i].Bin < result[j].Bin
		}
		return result[i].Field < result[j].Field
	})

	return result, nil
}

// aggregate reduces ordered rows of one field into (bucket, bin) groups,
// with buckets aligned to q.StartMs.
func aggregate(rows []storage.Row, q storage.RangeQuery) []storage.Row {
	var bins []int
	byBin := make(map[int][]storage.Row)
	for _, r := range rows {
		if _, ok := byBin[r.Bin]; !ok {
			bins = append(bins, r.Bin)
		}
		byBin[r.Bin] = append(byBin[r.Bin], r)
	}

	var out []storage.Row
	for _, bin := range bins {
		binRows := byBin[bin]
		for i := 0; i < len(binRows); {
			bucket := q.StartMs + (binRows[i].TimestampMs-q.StartMs)/q.BucketMs*q.BucketMs

			var sum, last float64
			n := 0
			for ; i < len(binRows) && binRows[i].TimestampMs < bucket+q.BucketMs; i++ {
				sum += binRows[i].Value
				last = binRows[i].Value
				n++
			}

			value := last
			if q.Aggregation == domain.AggregationMean {
				value = sum / float64(n)
			}
			out = append(out, storage.Row{TimestampMs: bucket, Bin: bin, Field: binRows[0].Field, Value: value})
		}
	}

	return out
}

var _ storage.TimeSeriesSource = (*TimeSeriesSource)(nil)
