package storage

import (
	"math"

	"vessel-telemetry/internal/domain"
)

// groupRows calls fn once per distinct (timestamp, bin) with its fields.
// Rows must be ordered by (timestamp, bin), as RangeQuery returns them.
// Non-finite values are dropped: they cannot be correlated or encoded.
func groupRows(rows []Row, fn func(ts int64, fields map[string]float64)) {
	for i := 0; i < len(rows); {
		ts, bin := rows[i].TimestampMs, rows[i].Bin
		fields := make(map[string]float64, 4)
		for ; i < len(rows) && rows[i].TimestampMs == ts && rows[i].Bin == bin; i++ {
			v := rows[i].Value
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			fields[rows[i].Field] = v
		}
		fn(ts, fields)
	}
}

// Samples pivots rows into value samples keyed on valueField, one per
// (timestamp, bin). Groups without valueField are skipped. The remaining
// fields are kept in Fields.
func Samples(rows []Row, valueField string) []domain.TimeSeriesSample {
	var samples []domain.TimeSeriesSample
	groupRows(rows, func(ts int64, fields map[string]float64) {
		v, ok := fields[valueField]
		if !ok {
			return
		}
		delete(fields, valueField)
		if len(fields) == 0 {
			fields = nil
		}
		samples = append(samples, domain.TimeSeriesSample{TimestampMs: ts, Value: v, Fields: fields})
	})
	return samples
}

// Fixes pivots rows into position fixes. Timestamps missing lat or lon are skipped.
func Fixes(rows []Row) []domain.PositionFix {
	var fixes []domain.PositionFix
	groupRows(rows, func(ts int64, fields map[string]float64) {
		lat, okLat := fields[domain.FieldLat]
		lon, okLon := fields[domain.FieldLon]
		if !okLat || !okLon {
			return
		}
		fix := domain.PositionFix{TimestampMs: ts, Lat: lat, Lon: lon}
		if h, ok := fields[domain.FieldHeading]; ok {
			fix.Heading = &h
		}
		delete(fields, domain.FieldLat)
		delete(fields, domain.FieldLon)
		delete(fields, domain.FieldHeading)
		if len(fields) > 0 {
			fix.Fields = fields
		}
		fixes = append(fixes, fix)
	})
	return fixes
}
