package domain

import (
	"strings"
	"testing"
)

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr string
	}{
		{"position", Target{ID: "a:track", Kind: FeedPosition, PositionMeasurement: "nav"}, ""},
		{"sensor", Target{ID: "a:sst", Kind: FeedSensor, Measurement: "tsg", ValueField: "sst", PositionMeasurement: "nav"}, ""},
		{"currents", Target{ID: "a:adcp", Kind: FeedCurrents, Measurement: "adcp", PositionMeasurement: "nav"}, ""},
		{"empty id", Target{Kind: FeedPosition, PositionMeasurement: "nav"}, "id is empty"},
		{"no position measurement", Target{ID: "a", Kind: FeedPosition}, "position_measurement"},
		{"sensor without field", Target{ID: "a", Kind: FeedSensor, Measurement: "tsg", PositionMeasurement: "nav"}, "value_field"},
		{"currents without measurement", Target{ID: "a", Kind: FeedCurrents, PositionMeasurement: "nav"}, "needs measurement"},
		{"unknown kind", Target{ID: "a", Kind: "radar", PositionMeasurement: "nav"}, "unknown kind"},
		{"unknown aggregation", Target{ID: "a", Kind: FeedPosition, PositionMeasurement: "nav", Aggregation: "median"}, "unknown aggregation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTarget_ValueFields(t *testing.T) {
	tr := Target{ValueField: "sst", ExtraFields: []string{"salinity", "conductivity"}}
	got := tr.ValueFields()
	want := []string{"sst", "salinity", "conductivity"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}

	if got := (&Target{}).ValueFields(); len(got) != 0 {
		t.Errorf("expected no fields, got %v", got)
	}
}

func TestTarget_ValueAggregation(t *testing.T) {
	if got := (&Target{}).ValueAggregation(); got != AggregationMean {
		t.Errorf("expected mean by default, got %s", got)
	}
	if got := (&Target{Aggregation: AggregationLast}).ValueAggregation(); got != AggregationLast {
		t.Errorf("expected last, got %s", got)
	}
}
