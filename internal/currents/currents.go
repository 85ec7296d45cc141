// Package currents derives ADCP current vectors from u/v velocity samples.
package currents

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"vessel-telemetry/internal/domain"
)

// Field names of an ADCP measurement.
const (
	FieldU         = "u"     // eastward velocity, m/s
	FieldV         = "v"     // northward velocity, m/s
	FieldDepth     = "depth" // bin depth, m
	FieldQuality   = "quality"
	FieldSpeed     = "speed"
	FieldDirection = "direction"
)

// maxDepth bounds open-ended depth ranges such as ">500".
const maxDepth = 10000.0

// ErrInvalidDepthRange is returned for unparseable depth selectors.
var ErrInvalidDepthRange = errors.New("invalid depth range")

// Known ADCP instruments.
var Instruments = []string{"WH300", "EC150", "OS38"}

// QueryFields returns the fields to request for a currents target.
func QueryFields(t *domain.Target) []string {
	fields := []string{FieldU, FieldV, FieldDepth}
	for _, f := range t.ExtraFields {
		if f != FieldU && f != FieldV && f != FieldDepth {
			fields = append(fields, f)
		}
	}
	return fields
}

// Vector converts velocity components to speed (m/s) and direction
// (degrees clockwise from north, in [0, 360)).
func Vector(u, v float64) (speed, direction float64) {
	speed = math.Hypot(u, v)
	direction = math.Mod(math.Atan2(u, v)*180/math.Pi, 360)
	if direction < 0 {
		direction += 360
	}
	return speed, direction
}

// DepthRange is an inclusive depth band in meters.
type DepthRange struct {
	Min float64
	Max float64
}

// ParseDepthRange parses "0-25" style bands and ">500" open bands.
// An empty selector matches every depth.
func ParseDepthRange(s string) (DepthRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DepthRange{Min: 0, Max: maxDepth}, nil
	}
	if rest, ok := strings.CutPrefix(s, ">"); ok {
		from, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return DepthRange{}, fmt.Errorf("%w %q: %v", ErrInvalidDepthRange, s, err)
		}
		return DepthRange{Min: from, Max: maxDepth}, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return DepthRange{}, fmt.Errorf("%w %q: expected min-max or >min", ErrInvalidDepthRange, s)
	}
	from, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return DepthRange{}, fmt.Errorf("%w %q: %v", ErrInvalidDepthRange, s, err)
	}
	to, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return DepthRange{}, fmt.Errorf("%w %q: %v", ErrInvalidDepthRange, s, err)
	}
	if to < from {
		return DepthRange{}, fmt.Errorf("%w %q: max below min", ErrInvalidDepthRange, s)
	}
	return DepthRange{Min: from, Max: to}, nil
}

// Contains reports whether depth lies in the band.
func (r DepthRange) Contains(depth float64) bool {
	return depth >= r.Min && depth <= r.Max
}

// Samples turns pivoted u/v rows into current samples: Value is the speed and
// Fields gain speed and direction. Samples lacking v, or outside the depth
// band, are skipped. Samples without a depth field are kept. Input order is
// preserved.
func Samples(in []domain.TimeSeriesSample, band DepthRange) []domain.TimeSeriesSample {
	out := make([]domain.TimeSeriesSample, 0, len(in))
	for _, s := range in {
		v, ok := s.Fields[FieldV]
		if !ok {
			continue
		}
		if depth, ok := s.Fields[FieldDepth]; ok && !band.Contains(depth) {
			continue
		}
		u := s.Value
		speed, direction := Vector(u, v)

		fields := make(map[string]float64, len(s.Fields)+3)
		for k, val := range s.Fields {
			fields[k] = val
		}
		fields[FieldU] = u
		fields[FieldSpeed] = speed
		fields[FieldDirection] = direction

		out = append(out, domain.TimeSeriesSample{
			TimestampMs: s.TimestampMs,
			Value:       speed,
			Fields:      fields,
		})
	}
	return out
}
