package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders the fetch summary as Markdown.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Telemetry Fetch\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	sb.WriteString("| Parameter | Value |\n")
	sb.WriteString("|-----------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Endpoint | %s |\n", r.Endpoint))
	sb.WriteString(fmt.Sprintf("| Start | %s |\n", r.Start.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("| End | %s |\n", r.End.Format(time.RFC3339)))
	resolution := r.Resolution
	if resolution == "" {
		resolution = "auto"
	}
	sb.WriteString(fmt.Sprintf("| Resolution | %s |\n", resolution))
	sb.WriteString("\n")

	// Targets
	sb.WriteString("## Targets\n\n")
	if len(r.Targets) == 0 {
		sb.WriteString("No targets requested.\n")
		return sb.String()
	}

	sb.WriteString("| Target | Resolution | Points | First | Last | Min | Median | Mean | Max | Stddev |\n")
	sb.WriteString("|--------|------------|--------|-------|------|-----|--------|------|-----|--------|\n")
	var failed []TargetSummary
	for _, t := range r.Targets {
		if t.Failed() {
			failed = append(failed, t)
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s | %s |\n",
			t.Target, dash(t.Resolution), t.Points, dash(t.FirstTime), dash(t.LastTime),
			formatStats(t.Values)))
	}
	sb.WriteString("\n")

	// Failures
	if len(failed) > 0 {
		sb.WriteString("## Errors\n\n")
		for _, t := range failed {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Target, t.Error))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatStats(v *ValueStats) string {
	if v == nil {
		return "- | - | - | - | -"
	}
	return fmt.Sprintf("%.4f | %.4f | %.4f | %.4f | %.4f", v.Min, v.Median, v.Mean, v.Max, v.Stddev)
}
