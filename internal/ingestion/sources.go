package ingestion

import (
	"context"
	"hash/fnv"
	"math"
	"sort"

	"vessel-telemetry/internal/currents"
	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
)

// Appender accepts rows for a measurement. memory.TimeSeriesSource
// implements it.
type Appender interface {
	Append(ctx context.Context, measurement string, rows []storage.Row) error
}

// Voyage generates a deterministic synthetic cruise. Every value is a pure
// function of the timestamp, so a backfill and later increments agree.
type Voyage struct {
	OriginLat float64
	OriginLon float64
	RadiusDeg float64 // radius of the circular track
	PeriodMs  int64   // time to complete one circle
	DepthBins []float64
}

// DefaultVoyage circles off the Oregon coast once a day.
func DefaultVoyage() Voyage {
	return Voyage{
		OriginLat: 44.6,
		OriginLon: -124.6,
		RadiusDeg: 0.5,
		PeriodMs:  24 * 60 * 60 * 1000,
		DepthBins: []float64{12, 36, 600},
	}
}

// plan lists the fields to generate per measurement.
type plan struct {
	positions map[string]struct{}
	sensors   map[string]map[string]struct{}
	currents  map[string]map[string]struct{}
}

func newPlan(targets []*domain.Target) plan {
	p := plan{
		positions: make(map[string]struct{}),
		sensors:   make(map[string]map[string]struct{}),
		currents:  make(map[string]map[string]struct{}),
	}
	add := func(m map[string]map[string]struct{}, measurement string, fields []string) {
		set := m[measurement]
		if set == nil {
			set = make(map[string]struct{})
			m[measurement] = set
		}
		for _, f := range fields {
			set[f] = struct{}{}
		}
	}

	for _, t := range targets {
		p.positions[t.PositionMeasurement] = struct{}{}
		switch t.Kind {
		case domain.FeedSensor:
			add(p.sensors, t.Measurement, t.ValueFields())
		case domain.FeedCurrents:
			add(p.currents, t.Measurement, currents.QueryFields(t))
		}
	}
	return p
}

// Rows generates the rows of targets' measurements for every step of the
// grid in (fromMs, toMs]. Currents carry one bin per depth cell, all at the
// step timestamp.
func (v Voyage) Rows(targets []*domain.Target, fromMs, toMs, stepMs int64) map[string][]storage.Row {
	p := newPlan(targets)
	out := make(map[string][]storage.Row)

	first := (fromMs/stepMs + 1) * stepMs
	for ts := first; ts <= toMs; ts += stepMs {
		for m := range p.positions {
			lat, lon, heading := v.Position(ts)
			out[m] = append(out[m],
				storage.Row{TimestampMs: ts, Field: domain.FieldLat, Value: lat},
				storage.Row{TimestampMs: ts, Field: domain.FieldLon, Value: lon},
				storage.Row{TimestampMs: ts, Field: domain.FieldHeading, Value: heading},
			)
		}
		for m, fields := range p.sensors {
			for _, f := range sortedKeys(fields) {
				out[m] = append(out[m], storage.Row{TimestampMs: ts, Field: f, Value: v.Sensor(f, ts)})
			}
		}
		for m, fields := range p.currents {
			for i, depth := range v.DepthBins {
				u, vv := v.Current(depth, ts)
				for _, f := range sortedKeys(fields) {
					var value float64
					switch f {
					case currents.FieldU:
						value = u
					case currents.FieldV:
						value = vv
					case currents.FieldDepth:
						value = depth
					default:
						value = v.Sensor(f, ts)
					}
					out[m] = append(out[m], storage.Row{TimestampMs: ts, Bin: i, Field: f, Value: value})
				}
			}
		}
	}
	return out
}

// Position returns the vessel position and heading (degrees true) at ts.
func (v Voyage) Position(ts int64) (lat, lon, heading float64) {
	theta := v.phase(ts)
	lat = v.OriginLat + v.RadiusDeg*math.Sin(theta)
	lon = v.OriginLon + v.RadiusDeg*math.Cos(theta)

	// Moving counter-clockwise: the velocity vector is (dlat, dlon) = (cos, -sin).
	heading = math.Mod(math.Atan2(-math.Sin(theta), math.Cos(theta))*180/math.Pi+360, 360)
	return lat, lon, heading
}

// Sensor returns a smooth value for field at ts. Each field gets its own
// phase and level so that series differ.
func (v Voyage) Sensor(field string, ts int64) float64 {
	h := fnv.New32a()
	h.Write([]byte(field))
	seed := float64(h.Sum32()%1000) / 1000

	level := 5 + 20*seed
	return level + 2*math.Sin(v.phase(ts)*3+seed*2*math.Pi)
}

// Current returns the (u, v) components in m/s at depth and ts.
func (v Voyage) Current(depth float64, ts int64) (u, vv float64) {
	speed := 0.6 / (1 + depth/100)
	dir := v.phase(ts)*2 + depth/50
	return speed * math.Sin(dir), speed * math.Cos(dir)
}

func (v Voyage) phase(ts int64) float64 {
	return 2 * math.Pi * float64(ts%v.PeriodMs) / float64(v.PeriodMs)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
