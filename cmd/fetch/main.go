// Package main fetches historical telemetry over the WebSocket protocol and
// writes the series as CSV plus a Markdown summary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"vessel-telemetry/internal/client"
	"vessel-telemetry/internal/config"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/reporting"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-fetch: %v\n", err)
		os.Exit(2)
	}

	flagSet := pflag.NewFlagSet("telemetry-fetch", pflag.ContinueOnError)
	endpoint := flagSet.String("url", envOr("TELEMETRY_URL", "ws://localhost:8080/ws"), "server WebSocket URL")
	start := flagSet.String("start", "", "range start, RFC 3339 (required)")
	end := flagSet.String("end", "", "range end, RFC 3339 (required)")
	targets := flagSet.StringSlice("targets", nil, "comma-separated target selectors (required)")
	resolution := flagSet.String("resolution", "", "bucket width: raw, 1s, 1m, ... (default auto)")
	subprotocol := flagSet.String("subprotocol", protocol.SubprotocolJSON, "wire encoding subprotocol")
	outputDir := flagSet.String("output-dir", "output", "directory for the CSV and Markdown files")
	name := flagSet.String("name", "fetch", "base name of the output files")
	timeout := flagSet.Duration("timeout", 10*time.Minute, "give up after this long")
	verbose := flagSet.Bool("verbose", false, "log debug output")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "telemetry-fetch: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	startTime, endTime, err := parseRange(*start, *end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-fetch: %v\n", err)
		os.Exit(2)
	}
	if len(*targets) == 0 {
		fmt.Fprintln(os.Stderr, "telemetry-fetch: --targets is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := fetch(ctx, logger, *endpoint, *subprotocol, startTime, endTime, *targets, *resolution, *outputDir, *name); err != nil {
		logger.Error("fetch failed", "error", err)
		os.Exit(1)
	}
}

func fetch(ctx context.Context, logger *slog.Logger, endpoint, subprotocol string, start, end time.Time, targets []string, resolution, outputDir, name string) error {
	c, err := client.Dial(ctx, endpoint, &client.Config{Subprotocol: subprotocol})
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("requesting history",
		"url", endpoint,
		"targets", len(targets),
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
	)
	began := time.Now()

	results, err := c.Historical(ctx, start, end, targets, resolution)
	if err != nil {
		return err
	}

	for _, acc := range results {
		if acc.Err != nil {
			logger.Warn("target failed", "target", acc.Target, "error", acc.Err)
			continue
		}
		logger.Debug("target complete", "target", acc.Target, "points", len(acc.Points), "resolution", acc.Resolution)
	}

	report := reporting.NewGenerator(endpoint).Generate(start, end, resolution, results)
	paths, err := reporting.WriteFiles(outputDir, name, report, results)
	if err != nil {
		return err
	}

	logger.Info("fetch complete", "duration", time.Since(began).Round(time.Millisecond), "files", paths)
	return nil
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, errors.New("--start and --end are required")
	}
	s, err := time.Parse(time.RFC3339Nano, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	e, err := time.Parse(time.RFC3339Nano, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
	}
	return s, e, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
