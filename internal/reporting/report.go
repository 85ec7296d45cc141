package reporting

import "time"

// Report summarizes one historical fetch.
type Report struct {
	GeneratedAt time.Time
	Endpoint    string
	Start       time.Time
	End         time.Time
	Resolution  string // as requested; each target reports the one applied

	Targets []TargetSummary // request order
}

// TargetSummary describes the series received for one target.
type TargetSummary struct {
	Target     string
	Resolution string
	Points     int
	FirstTime  string
	LastTime   string

	// Values is nil for position tracks, which carry no value.
	Values *ValueStats

	// Error is the server's message when the target failed.
	Error string
}

// Failed reports whether the server rejected the target.
func (s TargetSummary) Failed() bool {
	return s.Error != ""
}
