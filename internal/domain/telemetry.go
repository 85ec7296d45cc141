package domain

// TimeSeriesSample is one value of a sensor feed as read from the store.
// When the store aggregated the series, TimestampMs is the bucket start.
type TimeSeriesSample struct {
	TimestampMs int64              // Unix timestamp in milliseconds
	Value       float64            // primary field value
	Fields      map[string]float64 // secondary fields read alongside Value
}

// PositionFix is one vessel position as read from the store.
type PositionFix struct {
	TimestampMs int64
	Lat         float64
	Lon         float64
	Heading     *float64           // degrees true, nil when not logged
	Fields      map[string]float64 // any other fields of the position measurement
}

// CorrelatedPoint is a sample geotagged with the position fix nearest in time.
// It only exists when such a fix was found within tolerance.
type CorrelatedPoint struct {
	TimestampMs int64
	Value       float64
	HasValue    bool // false for pure position tracks
	Lat         float64
	Lon         float64
	Heading     *float64
	Fields      map[string]float64

	// FixTimestampMs is the timestamp of the fix used for Lat/Lon.
	FixTimestampMs int64
}

// PointFromFix builds a point carrying only the position of a fix.
// Position-track targets stream fixes directly, without a value series.
func PointFromFix(f PositionFix) CorrelatedPoint {
	return CorrelatedPoint{
		TimestampMs:    f.TimestampMs,
		Lat:            f.Lat,
		Lon:            f.Lon,
		Heading:        f.Heading,
		Fields:         f.Fields,
		FixTimestampMs: f.TimestampMs,
	}
}
