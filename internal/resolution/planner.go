// Package resolution chooses the aggregation bucket width for a time range.
package resolution

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange is returned when a range is empty, inverted, or too long.
var ErrInvalidRange = errors.New("invalid time range")

// Default planner settings.
const (
	DefaultTargetPoints = 3000
	DefaultMaxSpan      = 366 * 24 * time.Hour
	DefaultMaxRawSpan   = 7 * 24 * time.Hour
	DefaultMaxBuckets   = 1_000_000
)

// Policy names accepted by NewPlanner.
const (
	PolicyCardinality = "cardinality"
	PolicyThreshold   = "threshold"
)

// Raw is the resolution name that disables aggregation.
const Raw = "raw"

// Auto is the resolution name that defers to the configured policy.
const Auto = "auto"

// steps are the convenient bucket widths the cardinality policy rounds up to.
var steps = []time.Duration{
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// named maps override resolutions to bucket widths. Raw maps to zero.
var named = map[string]time.Duration{
	Raw:   0,
	"1s":  time.Second,
	"5s":  5 * time.Second,
	"10s": 10 * time.Second,
	"30s": 30 * time.Second,
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// Config configures a Planner.
type Config struct {
	Policy       string        // PolicyCardinality (default) or PolicyThreshold
	TargetPoints int           // cardinality target, DefaultTargetPoints when zero
	MaxSpan      time.Duration // longest accepted range, DefaultMaxSpan when zero

	// Named resolutions bypass the cardinality target, so they get their own
	// bounds: the longest raw range and the most buckets per target.
	MaxRawSpan time.Duration // DefaultMaxRawSpan when zero
	MaxBuckets int64         // DefaultMaxBuckets when zero
}

// Planner computes bucket widths. It is stateless and safe for concurrent use.
type Planner struct {
	policy       string
	targetPoints int64
	maxSpan      time.Duration
	maxRawSpan   time.Duration
	maxBuckets   int64
}

// NewPlanner creates a planner from cfg.
func NewPlanner(cfg Config) (*Planner, error) {
	p := &Planner{
		policy:       cfg.Policy,
		targetPoints: int64(cfg.TargetPoints),
		maxSpan:      cfg.MaxSpan,
		maxRawSpan:   cfg.MaxRawSpan,
		maxBuckets:   cfg.MaxBuckets,
	}
	if p.policy == "" {
		p.policy = PolicyCardinality
	}
	if p.policy != PolicyCardinality && p.policy != PolicyThreshold {
		return nil, fmt.Errorf("unknown resolution policy %q", cfg.Policy)
	}
	if p.targetPoints < 0 {
		return nil, fmt.Errorf("target points must be positive, got %d", cfg.TargetPoints)
	}
	if p.targetPoints == 0 {
		p.targetPoints = DefaultTargetPoints
	}
	if p.maxSpan < 0 {
		return nil, fmt.Errorf("max span must be positive, got %s", cfg.MaxSpan)
	}
	if p.maxSpan == 0 {
		p.maxSpan = DefaultMaxSpan
	}
	if p.maxRawSpan < 0 {
		return nil, fmt.Errorf("max raw span must be positive, got %s", cfg.MaxRawSpan)
	}
	if p.maxRawSpan == 0 {
		p.maxRawSpan = DefaultMaxRawSpan
	}
	if p.maxBuckets < 0 {
		return nil, fmt.Errorf("max buckets must be positive, got %d", cfg.MaxBuckets)
	}
	if p.maxBuckets == 0 {
		p.maxBuckets = DefaultMaxBuckets
	}
	return p, nil
}

// Policy returns the active policy name.
func (p *Planner) Policy() string {
	return p.policy
}

// CheckRange validates a range without planning it.
func (p *Planner) CheckRange(start, end time.Time) error {
	if !end.After(start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange,
			end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}
	if span := end.Sub(start); span > p.maxSpan {
		return fmt.Errorf("%w: span %s exceeds maximum %s", ErrInvalidRange, span, p.maxSpan)
	}
	return nil
}

// CheckRaw reports whether span may be read without aggregation.
func (p *Planner) CheckRaw(span time.Duration) error {
	if span > p.maxRawSpan {
		return fmt.Errorf("%w: raw resolution is limited to %s, span is %s", ErrInvalidRange, p.maxRawSpan, span)
	}
	return nil
}

// Plan returns the bucket width for [start, end] under the configured policy.
func (p *Planner) Plan(start, end time.Time) (time.Duration, error) {
	if err := p.CheckRange(start, end); err != nil {
		return 0, err
	}
	span := end.Sub(start)
	if p.policy == PolicyThreshold {
		return Threshold(span), nil
	}
	return Cardinality(span, p.targetPoints), nil
}

// Resolve returns the bucket width for a request. An empty or "auto" name
// plans from the span; a named resolution overrides it. Zero means raw.
func (p *Planner) Resolve(start, end time.Time, name string) (time.Duration, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == Auto {
		return p.Plan(start, end)
	}
	width, ok := named[name]
	if !ok {
		return 0, fmt.Errorf("unknown resolution %q", name)
	}
	if err := p.CheckRange(start, end); err != nil {
		return 0, err
	}
	span := end.Sub(start)
	if width == 0 {
		return 0, p.CheckRaw(span)
	}
	if buckets := int64(span / width); buckets > p.maxBuckets {
		return 0, fmt.Errorf("%w: %s over %s needs %d buckets, limit is %d", ErrInvalidRange, name, span, buckets, p.maxBuckets)
	}
	return width, nil
}

// Cardinality returns max(1s, ceil(span/target)) rounded up to a convenient step.
// Spans needing more than a day per bucket round up to whole days.
func Cardinality(span time.Duration, target int64) time.Duration {
	if target <= 0 {
		target = DefaultTargetPoints
	}
	raw := time.Duration((int64(span) + target - 1) / target)
	if raw < time.Second {
		raw = time.Second
	}
	for _, step := range steps {
		if raw <= step {
			return step
		}
	}
	day := 24 * time.Hour
	return (raw + day - 1) / day * day
}

// Threshold returns the bucket width from the fixed duration table.
func Threshold(span time.Duration) time.Duration {
	switch {
	case span <= time.Hour:
		return time.Second
	case span <= 24*time.Hour:
		return 5 * time.Second
	case span <= 7*24*time.Hour:
		return 10 * time.Second
	default:
		return time.Minute
	}
}

// Name renders a bucket width as it appears in chunk messages.
func Name(width time.Duration) string {
	if width <= 0 {
		return Raw
	}
	switch {
	case width%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", width/(24*time.Hour))
	case width%time.Hour == 0:
		return fmt.Sprintf("%dh", width/time.Hour)
	case width%time.Minute == 0:
		return fmt.Sprintf("%dm", width/time.Minute)
	default:
		return fmt.Sprintf("%ds", width/time.Second)
	}
}
