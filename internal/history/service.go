// Package history answers historical requests: for each target in turn it
// plans the resolution, queries values then positions, correlates them,
// and streams the result.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vessel-telemetry/internal/correlation"
	"vessel-telemetry/internal/currents"
	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/resolution"
	"vessel-telemetry/internal/storage"
	"vessel-telemetry/internal/stream"
)

// Query stages reported in QueryError.
const (
	StageTarget    = "target"
	StageValues    = "values"
	StagePositions = "positions"
)

// QueryError is a failure confined to one target of a request.
type QueryError struct {
	Target string
	Stage  string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("target %s: %s query: %v", e.Target, e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Config configures a Service.
type Config struct {
	Tolerance time.Duration
	Stream    stream.Options
	Logger    *slog.Logger
}

// Service runs historical requests against a time-series source.
type Service struct {
	planner   *resolution.Planner
	source    storage.TimeSeriesSource
	targets   storage.TargetRegistry
	tolerance time.Duration
	streamOpt stream.Options
	logger    *slog.Logger
}

// NewService creates a history service.
func NewService(planner *resolution.Planner, source storage.TimeSeriesSource, targets storage.TargetRegistry, cfg Config) *Service {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = correlation.DefaultTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "history")
	cfg.Stream.Logger = logger
	return &Service{
		planner:   planner,
		source:    source,
		targets:   targets,
		tolerance: cfg.Tolerance,
		streamOpt: cfg.Stream,
		logger:    logger,
	}
}

// Run streams every target of req to consumer, one after another.
// An invalid range or resolution is reported once and no query runs.
// Target failures are reported per target and do not stop the others.
// Run returns an error only when the request was rejected or the consumer
// went away.
func (s *Service) Run(ctx context.Context, consumer stream.Consumer, req *protocol.HistoricalRequest) error {
	width, err := s.planner.Resolve(req.Start, req.End, req.Resolution)
	if err != nil {
		observability.RecordSession("rejected", 0)
		sendErr := consumer.Send(ctx, &protocol.ErrorMessage{ID: req.ID, Message: err.Error()})
		if sendErr != nil {
			return fmt.Errorf("%w: %v", stream.ErrConsumerGone, sendErr)
		}
		return err
	}
	observability.RecordBucketWidth(width.Seconds())

	window := stream.Window{
		RequestID:  req.ID,
		StartMs:    req.Start.UnixMilli(),
		EndMs:      req.End.UnixMilli(),
		Resolution: resolution.Name(width),
	}
	session := stream.NewSession(consumer, window, req.Targets, s.streamOpt)
	log := session.Logger()
	log.Info("historical session started", "targets", len(req.Targets), "resolution", window.Resolution)

	outcome := "completed"
	defer func() {
		age := session.Close()
		observability.RecordSession(outcome, age.Seconds())
		log.Info("historical session finished", "outcome", outcome, "duration", age)
	}()

	for {
		id, ok := session.Next()
		if !ok {
			return nil
		}
		if err := s.runTarget(ctx, session, id, width); err != nil {
			if errors.Is(err, stream.ErrConsumerGone) {
				outcome = "aborted"
				observability.RecordTarget("aborted")
				return err
			}
			observability.RecordTarget("failed")
			log.Warn("target failed", "target", id, "error", err)
			if err := session.Fail(ctx, id, err); err != nil {
				outcome = "aborted"
				return err
			}
			continue
		}
		observability.RecordTarget("streamed")
	}
}

// runTarget resolves, queries, correlates, and streams one target.
func (s *Service) runTarget(ctx context.Context, session *stream.Session, id string, width time.Duration) error {
	target, err := s.targets.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &QueryError{Target: id, Stage: StageTarget, Err: fmt.Errorf("unknown target: %w", err)}
		}
		return &QueryError{Target: id, Stage: StageTarget, Err: err}
	}

	w := session.Window()
	points, width, err := s.Collect(ctx, target, w.StartMs, w.EndMs, width)
	if err != nil {
		return err
	}
	_, err = session.Stream(ctx, id, resolution.Name(width), points)
	return err
}

// Collect returns the correlated series of target over [startMs, endMs]
// and the bucket width actually applied.
func (s *Service) Collect(ctx context.Context, target *domain.Target, startMs, endMs int64, width time.Duration) ([]domain.CorrelatedPoint, time.Duration, error) {
	switch target.Kind {
	case domain.FeedPosition:
		fixes, err := s.fixes(ctx, target, startMs, endMs, width)
		if err != nil {
			return nil, width, err
		}
		points := make([]domain.CorrelatedPoint, len(fixes))
		for i, f := range fixes {
			points[i] = domain.PointFromFix(f)
		}
		return points, width, nil

	case domain.FeedCurrents:
		// Currents are always raw, paired with raw positions.
		band, err := currents.ParseDepthRange(target.DepthRange)
		if err != nil {
			return nil, 0, &QueryError{Target: target.ID, Stage: StageTarget, Err: err}
		}
		if err := s.planner.CheckRaw(time.Duration(endMs-startMs) * time.Millisecond); err != nil {
			return nil, 0, &QueryError{Target: target.ID, Stage: StageTarget, Err: err}
		}
		rows, err := s.source.RangeQuery(ctx, storage.RangeQuery{
			Measurement: target.Measurement,
			Fields:      currents.QueryFields(target),
			StartMs:     startMs,
			EndMs:       endMs,
		})
		if err != nil {
			return nil, 0, &QueryError{Target: target.ID, Stage: StageValues, Err: err}
		}
		values := currents.Samples(storage.Samples(rows, currents.FieldU), band)
		return s.correlate(ctx, target, values, startMs, endMs, 0)

	default:
		rows, err := s.source.RangeQuery(ctx, storage.RangeQuery{
			Measurement: target.Measurement,
			Fields:      target.ValueFields(),
			StartMs:     startMs,
			EndMs:       endMs,
			Aggregation: target.ValueAggregation(),
			BucketMs:    width.Milliseconds(),
		})
		if err != nil {
			return nil, width, &QueryError{Target: target.ID, Stage: StageValues, Err: err}
		}
		values := storage.Samples(rows, target.ValueField)
		return s.correlate(ctx, target, values, startMs, endMs, width)
	}
}

func (s *Service) correlate(ctx context.Context, target *domain.Target, values []domain.TimeSeriesSample, startMs, endMs int64, width time.Duration) ([]domain.CorrelatedPoint, time.Duration, error) {
	if len(values) == 0 {
		return nil, width, nil
	}
	fixes, err := s.fixes(ctx, target, startMs, endMs, width)
	if err != nil {
		return nil, width, err
	}
	points, stats := correlation.CorrelateWithStats(values, fixes, s.tolerance)
	observability.RecordCorrelation(stats.Exact, stats.Nearest(), stats.Dropped)
	if stats.Dropped > 0 {
		s.logger.Debug("samples without position", "target", target.ID, "dropped", stats.Dropped, "matched", stats.Matched)
	}
	return points, width, nil
}

func (s *Service) fixes(ctx context.Context, target *domain.Target, startMs, endMs int64, width time.Duration) ([]domain.PositionFix, error) {
	rows, err := s.source.RangeQuery(ctx, storage.RangeQuery{
		Measurement: target.PositionMeasurement,
		Fields:      []string{domain.FieldLat, domain.FieldLon, domain.FieldHeading},
		StartMs:     startMs,
		EndMs:       endMs,
		Aggregation: domain.AggregationLast,
		BucketMs:    width.Milliseconds(),
	})
	if err != nil {
		return nil, &QueryError{Target: target.ID, Stage: StagePositions, Err: err}
	}
	return storage.Fixes(rows), nil
}

// Latest returns the newest correlated point of target within
// [startMs, endMs], queried raw. ok is false when nothing correlates.
func (s *Service) Latest(ctx context.Context, target *domain.Target, startMs, endMs int64) (point domain.CorrelatedPoint, ok bool, err error) {
	if target.Kind == domain.FeedPosition {
		fixes, err := s.fixes(ctx, target, startMs, endMs, 0)
		if err != nil || len(fixes) == 0 {
			return domain.CorrelatedPoint{}, false, err
		}
		return domain.PointFromFix(fixes[len(fixes)-1]), true, nil
	}

	var values []domain.TimeSeriesSample
	if target.Kind == domain.FeedCurrents {
		band, err := currents.ParseDepthRange(target.DepthRange)
		if err != nil {
			return domain.CorrelatedPoint{}, false, &QueryError{Target: target.ID, Stage: StageTarget, Err: err}
		}
		rows, err := s.source.RangeQuery(ctx, storage.RangeQuery{
			Measurement: target.Measurement,
			Fields:      currents.QueryFields(target),
			StartMs:     startMs,
			EndMs:       endMs,
		})
		if err != nil {
			return domain.CorrelatedPoint{}, false, &QueryError{Target: target.ID, Stage: StageValues, Err: err}
		}
		values = currents.Samples(storage.Samples(rows, currents.FieldU), band)
	} else {
		rows, err := s.source.RangeQuery(ctx, storage.RangeQuery{
			Measurement: target.Measurement,
			Fields:      target.ValueFields(),
			StartMs:     startMs,
			EndMs:       endMs,
		})
		if err != nil {
			return domain.CorrelatedPoint{}, false, &QueryError{Target: target.ID, Stage: StageValues, Err: err}
		}
		values = storage.Samples(rows, target.ValueField)
	}
	if len(values) == 0 {
		return domain.CorrelatedPoint{}, false, nil
	}

	fixes, err := s.fixes(ctx, target, startMs, endMs, 0)
	if err != nil {
		return domain.CorrelatedPoint{}, false, err
	}
	point, ok = correlation.Newest(values, fixes, s.tolerance)
	return point, ok, nil
}
