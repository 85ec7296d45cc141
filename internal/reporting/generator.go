package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vessel-telemetry/internal/client"
)

// Generator builds reports from accumulated fetch results.
type Generator struct {
	endpoint string
	now      func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a report generator for results fetched from endpoint.
func NewGenerator(endpoint string) *Generator {
	return &Generator{
		endpoint: endpoint,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate summarizes results of a request for [start, end].
func (g *Generator) Generate(start, end time.Time, resolution string, results []*client.Accumulator) *Report {
	r := &Report{
		GeneratedAt: g.now(),
		Endpoint:    g.endpoint,
		Start:       start.UTC(),
		End:         end.UTC(),
		Resolution:  resolution,
		Targets:     make([]TargetSummary, 0, len(results)),
	}
	for _, acc := range results {
		r.Targets = append(r.Targets, summarize(acc))
	}
	return r
}

func summarize(acc *client.Accumulator) TargetSummary {
	s := TargetSummary{
		Target:     acc.Target,
		Resolution: acc.Resolution,
		Points:     len(acc.Points),
	}
	if acc.Err != nil {
		s.Error = acc.Err.Error()
	}
	if len(acc.Points) > 0 {
		s.FirstTime = acc.Points[0].Time
		s.LastTime = acc.Points[len(acc.Points)-1].Time
	}

	var values []float64
	for _, p := range acc.Points {
		if p.Value != nil {
			values = append(values, *p.Value)
		}
	}
	s.Values = computeStats(values)
	return s
}

// WriteFiles writes <name>.csv with every point and <name>.md with the
// summary into dir, creating dir if needed. It returns the written paths.
func WriteFiles(dir, name string, r *Report, results []*client.Accumulator) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, name+".csv"), RenderCSV(results)},
		{filepath.Join(dir, name+".md"), RenderMarkdown(r)},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", f.path, err)
		}
		paths = append(paths, f.path)
	}
	return paths, nil
}
