package domain

import "fmt"

// FeedKind classifies what a target streams.
type FeedKind string

// Supported feed kinds.
const (
	// FeedPosition streams the vessel track itself.
	FeedPosition FeedKind = "position"
	// FeedSensor streams a scalar sensor geotagged by the track.
	FeedSensor FeedKind = "sensor"
	// FeedCurrents streams ADCP current vectors geotagged by the track.
	FeedCurrents FeedKind = "currents"
)

// Aggregation is the reducer applied to each bucket by the store.
type Aggregation string

// Supported aggregations.
const (
	AggregationNone Aggregation = "none"
	AggregationMean Aggregation = "mean"
	AggregationLast Aggregation = "last"
)

// Valid reports whether a is a known aggregation.
func (a Aggregation) Valid() bool {
	switch a {
	case AggregationNone, AggregationMean, AggregationLast:
		return true
	}
	return false
}

// Target describes one selectable feed: where its values live and which
// position measurement geotags them.
type Target struct {
	ID                  string      `yaml:"id" json:"id"`
	Vessel              string      `yaml:"vessel" json:"vessel"`
	Kind                FeedKind    `yaml:"kind" json:"kind"`
	Measurement         string      `yaml:"measurement" json:"measurement,omitempty"`
	ValueField          string      `yaml:"value_field" json:"value_field,omitempty"`
	ExtraFields         []string    `yaml:"extra_fields" json:"extra_fields,omitempty"`
	PositionMeasurement string      `yaml:"position_measurement" json:"position_measurement"`
	Aggregation         Aggregation `yaml:"aggregation" json:"aggregation,omitempty"`
	Instrument          string      `yaml:"instrument" json:"instrument,omitempty"`   // ADCP instrument, e.g. WH300
	DepthRange          string      `yaml:"depth_range" json:"depth_range,omitempty"` // ADCP depth bin, e.g. "0-25"
}

// Position field names shared by every position measurement.
const (
	FieldLat     = "lat"
	FieldLon     = "lon"
	FieldHeading = "heading"
)

// ValueFields returns the fields to request from the value measurement.
func (t *Target) ValueFields() []string {
	fields := make([]string, 0, 1+len(t.ExtraFields))
	if t.ValueField != "" {
		fields = append(fields, t.ValueField)
	}
	return append(fields, t.ExtraFields...)
}

// ValueAggregation returns the reducer for value buckets, mean by default.
func (t *Target) ValueAggregation() Aggregation {
	if t.Aggregation == "" {
		return AggregationMean
	}
	return t.Aggregation
}

// Validate checks that the target can be queried.
func (t *Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target id is empty")
	}
	if t.PositionMeasurement == "" {
		return fmt.Errorf("target %s: position_measurement is empty", t.ID)
	}
	if t.Aggregation != "" && !t.Aggregation.Valid() {
		return fmt.Errorf("target %s: unknown aggregation %q", t.ID, t.Aggregation)
	}
	switch t.Kind {
	case FeedPosition:
	case FeedSensor:
		if t.Measurement == "" || t.ValueField == "" {
			return fmt.Errorf("target %s: sensor feed needs measurement and value_field", t.ID)
		}
	case FeedCurrents:
		if t.Measurement == "" {
			return fmt.Errorf("target %s: currents feed needs measurement", t.ID)
		}
	default:
		return fmt.Errorf("target %s: unknown kind %q", t.ID, t.Kind)
	}
	return nil
}
