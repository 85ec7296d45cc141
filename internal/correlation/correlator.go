// Package correlation geotags sensor samples with the nearest position fix.
package correlation

import (
	"sort"
	"time"

	"vessel-telemetry/internal/domain"
)

// DefaultTolerance is the largest accepted gap between a sample and its fix.
const DefaultTolerance = 30 * time.Second

// Stats counts the outcome of one correlation run.
type Stats struct {
	Matched int // samples that produced a point, exact matches included
	Exact   int // samples whose fix had the same timestamp
	Dropped int // samples with no fix within tolerance
}

// Nearest returns Matched minus Exact.
func (s Stats) Nearest() int {
	return s.Matched - s.Exact
}

// Index is a time-ordered view over position fixes.
// When several fixes share a timestamp, the first one is used.
type Index struct {
	fixes  []domain.PositionFix
	byTime map[int64]int
}

// NewIndex builds an index. Fixes are expected in time order, as the store
// returns them; out-of-order input is sorted on a copy.
func NewIndex(fixes []domain.PositionFix) *Index {
	ordered := fixes
	if !sort.SliceIsSorted(fixes, func(i, j int) bool { return fixes[i].TimestampMs < fixes[j].TimestampMs }) {
		ordered = make([]domain.PositionFix, len(fixes))
		copy(ordered, fixes)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TimestampMs < ordered[j].TimestampMs })
	}

	byTime := make(map[int64]int, len(ordered))
	for i, f := range ordered {
		if _, ok := byTime[f.TimestampMs]; !ok {
			byTime[f.TimestampMs] = i
		}
	}
	return &Index{fixes: ordered, byTime: byTime}
}

// Len returns the number of indexed fixes.
func (ix *Index) Len() int {
	return len(ix.fixes)
}

// Lookup returns the fix nearest to ts within tolerance. An exact timestamp
// match is tried first; on equal distance the earlier fix wins.
func (ix *Index) Lookup(ts int64, tolerance time.Duration) (domain.PositionFix, bool, bool) {
	if i, ok := ix.byTime[ts]; ok {
		return ix.fixes[i], true, true
	}
	if len(ix.fixes) == 0 {
		return domain.PositionFix{}, false, false
	}

	tolMs := tolerance.Milliseconds()
	if tolMs < 0 {
		tolMs = 0
	}

	// First fix after ts; no fix equals ts here.
	after := sort.Search(len(ix.fixes), func(i int) bool { return ix.fixes[i].TimestampMs > ts })

	best, bestDist := -1, int64(0)
	if after > 0 {
		before := ix.byTime[ix.fixes[after-1].TimestampMs]
		best, bestDist = before, ts-ix.fixes[before].TimestampMs
	}
	if after < len(ix.fixes) {
		dist := ix.fixes[after].TimestampMs - ts
		if best < 0 || dist < bestDist {
			best, bestDist = after, dist
		}
	}
	if best < 0 || bestDist > tolMs {
		return domain.PositionFix{}, false, false
	}
	return ix.fixes[best], false, true
}

// Correlate returns one point per value sample that has a fix within
// tolerance, in input order. Samples without such a fix are dropped.
func Correlate(values []domain.TimeSeriesSample, fixes []domain.PositionFix, tolerance time.Duration) []domain.CorrelatedPoint {
	points, _ := CorrelateWithStats(values, fixes, tolerance)
	return points
}

// CorrelateWithStats is Correlate that also reports match counts.
func CorrelateWithStats(values []domain.TimeSeriesSample, fixes []domain.PositionFix, tolerance time.Duration) ([]domain.CorrelatedPoint, Stats) {
	var stats Stats
	if len(values) == 0 {
		return nil, stats
	}

	ix := NewIndex(fixes)
	points := make([]domain.CorrelatedPoint, 0, len(values))
	for _, v := range values {
		fix, exact, ok := ix.Lookup(v.TimestampMs, tolerance)
		if !ok {
			stats.Dropped++
			continue
		}
		stats.Matched++
		if exact {
			stats.Exact++
		}
		points = append(points, geotag(v, fix))
	}
	return points, stats
}

// Newest returns the most recent value sample that has a fix within
// tolerance. Values are expected in time order.
func Newest(values []domain.TimeSeriesSample, fixes []domain.PositionFix, tolerance time.Duration) (domain.CorrelatedPoint, bool) {
	if len(values) == 0 || len(fixes) == 0 {
		return domain.CorrelatedPoint{}, false
	}
	ix := NewIndex(fixes)
	for i := len(values) - 1; i >= 0; i-- {
		if fix, _, ok := ix.Lookup(values[i].TimestampMs, tolerance); ok {
			return geotag(values[i], fix), true
		}
	}
	return domain.CorrelatedPoint{}, false
}

func geotag(v domain.TimeSeriesSample, fix domain.PositionFix) domain.CorrelatedPoint {
	return domain.CorrelatedPoint{
		TimestampMs:    v.TimestampMs,
		Value:          v.Value,
		HasValue:       true,
		Lat:            fix.Lat,
		Lon:            fix.Lon,
		Heading:        fix.Heading,
		Fields:         v.Fields,
		FixTimestampMs: fix.TimestampMs,
	}
}
