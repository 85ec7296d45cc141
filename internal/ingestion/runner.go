// Package ingestion feeds a synthetic voyage into a writable telemetry store
// so the server can run end to end without a database.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"vessel-telemetry/internal/storage"
)

// Runner backfills a window of synthetic telemetry and then keeps appending
// new samples as the clock advances.
type Runner struct {
	appender Appender
	targets  storage.TargetRegistry
	voyage   Voyage
	step     time.Duration // sample spacing
	interval time.Duration // how often new samples are appended
	backfill time.Duration // history generated at startup
	now      func() time.Time
	logger   *slog.Logger

	lastMs int64 // newest grid step already appended
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Appender Appender
	Targets  storage.TargetRegistry
	Voyage   *Voyage       // Default: DefaultVoyage()
	Step     time.Duration // Default: 5s
	Interval time.Duration // Default: 1s
	Backfill time.Duration // Default: 24h
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	voyage := DefaultVoyage()
	if opts.Voyage != nil {
		voyage = *opts.Voyage
	}

	step := opts.Step
	if step <= 0 {
		step = 5 * time.Second
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	backfill := opts.Backfill
	if backfill <= 0 {
		backfill = 24 * time.Hour
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		appender: opts.Appender,
		targets:  opts.Targets,
		voyage:   voyage,
		step:     step,
		interval: interval,
		backfill: backfill,
		now:      now,
		logger:   logger.With("component", "ingestion"),
	}
}

// Run backfills and then appends on every interval.
// It blocks until context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	n, err := r.Backfill(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("backfill complete", "rows", n, "window", r.backfill, "step", r.step)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Warn("append failed", "error", err)
			}
		}
	}
}

// Backfill generates the history window ending now.
func (r *Runner) Backfill(ctx context.Context) (int, error) {
	nowMs := r.now().UnixMilli()
	r.lastMs = nowMs - r.backfill.Milliseconds()
	if r.lastMs < 0 {
		r.lastMs = 0
	}
	return r.appendUntil(ctx, nowMs)
}

// Tick appends the samples that became due since the last call.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	return r.appendUntil(ctx, r.now().UnixMilli())
}

func (r *Runner) appendUntil(ctx context.Context, toMs int64) (int, error) {
	stepMs := r.step.Milliseconds()
	toMs = toMs / stepMs * stepMs
	if toMs <= r.lastMs {
		return 0, nil
	}

	targets, err := r.targets.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}

	byMeasurement := r.voyage.Rows(targets, r.lastMs, toMs, stepMs)
	measurements := make([]string, 0, len(byMeasurement))
	for m := range byMeasurement {
		measurements = append(measurements, m)
	}
	sort.Strings(measurements)

	total := 0
	for _, m := range measurements {
		rows := byMeasurement[m]
		if err := r.appender.Append(ctx, m, rows); err != nil {
			return total, fmt.Errorf("append %s: %w", m, err)
		}
		total += len(rows)
	}

	r.lastMs = toMs
	r.logger.Debug("appended", "rows", total, "until_ms", toMs)
	return total, nil
}
