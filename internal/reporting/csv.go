package reporting

import (
	"sort"
	"strconv"
	"strings"

	"vessel-telemetry/internal/client"
)

// RenderCSV renders every received point as CSV, one row per point, targets
// in request order. Secondary fields become extra columns sorted by name;
// a point without a field leaves its cell empty.
func RenderCSV(results []*client.Accumulator) string {
	var sb strings.Builder

	extra := fieldNames(results)

	// Header
	sb.WriteString("target,time,lat,lon,heading,value")
	for _, name := range extra {
		sb.WriteString(",")
		sb.WriteString(csvField(name))
	}
	sb.WriteString("\n")

	// Rows
	for _, acc := range results {
		target := csvField(acc.Target)
		for _, p := range acc.Points {
			sb.WriteString(target)
			sb.WriteString(",")
			sb.WriteString(p.Time)
			sb.WriteString(",")
			sb.WriteString(formatFloat(p.Lat))
			sb.WriteString(",")
			sb.WriteString(formatFloat(p.Lon))
			sb.WriteString(",")
			sb.WriteString(formatOptional(p.Heading))
			sb.WriteString(",")
			sb.WriteString(formatOptional(p.Value))
			for _, name := range extra {
				sb.WriteString(",")
				if v, ok := p.Fields[name]; ok {
					sb.WriteString(formatFloat(v))
				}
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func fieldNames(results []*client.Accumulator) []string {
	seen := make(map[string]struct{})
	for _, acc := range results {
		for _, p := range acc.Points {
			for name := range p.Fields {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

// csvField quotes s when it holds a separator, quote or newline.
func csvField(s string) string {
	if !strings.ContainsAny(s, ",\"\n\r") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
