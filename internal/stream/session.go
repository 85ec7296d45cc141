// Package stream delivers a correlated series to one consumer as ordered,
// size-bounded chunks followed by a completion message.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/protocol"
)

// ErrConsumerGone is returned when the consumer stopped accepting messages.
var ErrConsumerGone = errors.New("consumer gone")

// Defaults for Options.
const (
	DefaultChunkSize       = 1000
	DefaultInterChunkDelay = 10 * time.Millisecond
)

// Consumer receives outbound messages in order.
type Consumer interface {
	Send(ctx context.Context, m protocol.Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, m protocol.Message) error

// Send calls f.
func (f ConsumerFunc) Send(ctx context.Context, m protocol.Message) error {
	return f(ctx, m)
}

// Window describes the request a series answers.
type Window struct {
	RequestID  string
	StartMs    int64
	EndMs      int64
	Resolution string
}

// Result summarises one streamed target.
type Result struct {
	Chunks int
	Points int
}

// TotalChunks returns ceil(n/size), zero for no points.
func TotalChunks(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Chunk splits points into consecutive slices of size, the last one shorter.
// The slices share the backing array of points.
func Chunk(points []domain.CorrelatedPoint, size int) [][]domain.CorrelatedPoint {
	if size <= 0 {
		return nil
	}
	total := TotalChunks(len(points), size)
	chunks := make([][]domain.CorrelatedPoint, 0, total)
	for i := 0; i < len(points); i += size {
		end := i + size
		if end > len(points) {
			end = len(points)
		}
		chunks = append(chunks, points[i:end:end])
	}
	return chunks
}

// StartStream sends points for target as chunks of chunkSize, waiting
// interChunkDelay between chunks, then exactly one completion message.
// A send failure or ctx cancellation stops the stream and returns
// ErrConsumerGone; nothing else is sent after that.
func StartStream(ctx context.Context, consumer Consumer, target string, window Window,
	points []domain.CorrelatedPoint, chunkSize int, interChunkDelay time.Duration) (Result, error) {
	if chunkSize <= 0 {
		return Result{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	chunks := Chunk(points, chunkSize)
	total := len(chunks)
	startTime := protocol.FormatTime(window.StartMs)
	endTime := protocol.FormatTime(window.EndMs)

	var res Result
	for i, chunk := range chunks {
		if i > 0 && interChunkDelay > 0 {
			if err := sleep(ctx, interChunkDelay); err != nil {
				return res, err
			}
		}
		msg := &protocol.ChunkMessage{
			ID:          window.RequestID,
			Target:      target,
			StartTime:   startTime,
			EndTime:     endTime,
			ChunkIndex:  i + 1,
			TotalChunks: total,
			Resolution:  window.Resolution,
			Points:      protocol.NewPoints(chunk),
		}
		if err := send(ctx, consumer, msg); err != nil {
			return res, err
		}
		res.Chunks++
		res.Points += len(chunk)
		observability.RecordChunk(len(chunk))
	}

	complete := &protocol.CompleteMessage{
		ID:          window.RequestID,
		Target:      target,
		TotalPoints: res.Points,
	}
	if err := send(ctx, consumer, complete); err != nil {
		return res, err
	}
	return res, nil
}

// send delivers m. A message the consumer cannot encode fails only the
// current target; any other failure means the consumer is gone.
func send(ctx context.Context, consumer Consumer, m protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConsumerGone, err)
	}
	if err := consumer.Send(ctx, m); err != nil {
		if errors.Is(err, protocol.ErrEncode) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConsumerGone, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConsumerGone, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Options configures sessions.
type Options struct {
	ChunkSize       int
	InterChunkDelay time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.InterChunkDelay < 0 {
		o.InterChunkDelay = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one historical request in flight: a FIFO of pending targets
// streamed one at a time to a single consumer. It is not safe for
// concurrent use; one goroutine drives it from start to finish.
type Session struct {
	ID       uuid.UUID
	consumer Consumer
	opts     Options
	window   Window
	pending  []string
	started  time.Time
	logger   *slog.Logger
}

// NewSession creates a session for targets, in request order.
func NewSession(consumer Consumer, window Window, targets []string, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.New()
	pending := make([]string, len(targets))
	copy(pending, targets)
	return &Session{
		ID:       id,
		consumer: consumer,
		opts:     opts,
		window:   window,
		pending:  pending,
		started:  time.Now(),
		logger:   opts.Logger.With("session", id.String(), "request", window.RequestID),
	}
}

// Window returns the request window of the session.
func (s *Session) Window() Window {
	return s.window
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Next pops the oldest pending target.
func (s *Session) Next() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	target := s.pending[0]
	s.pending = s.pending[1:]
	return target, true
}

// Pending returns how many targets are still queued.
func (s *Session) Pending() int {
	return len(s.pending)
}

// Stream sends a full target series with the session's chunking settings.
// resolution overrides the window resolution for this target when set.
func (s *Session) Stream(ctx context.Context, target, resolution string, points []domain.CorrelatedPoint) (Result, error) {
	w := s.window
	if resolution != "" {
		w.Resolution = resolution
	}
	res, err := StartStream(ctx, s.consumer, target, w, points, s.opts.ChunkSize, s.opts.InterChunkDelay)
	if err != nil {
		s.logger.Debug("stream stopped", "target", target, "chunks_sent", res.Chunks, "error", err)
		return res, err
	}
	s.logger.Debug("target streamed", "target", target, "chunks", res.Chunks, "points", res.Points)
	return res, nil
}

// Fail reports a target-level error to the consumer.
func (s *Session) Fail(ctx context.Context, target string, cause error) error {
	return send(ctx, s.consumer, &protocol.ErrorMessage{
		ID:      s.window.RequestID,
		Target:  target,
		Message: cause.Error(),
	})
}

// Close drops the remaining targets and returns the session age.
func (s *Session) Close() time.Duration {
	s.pending = nil
	return time.Since(s.started)
}
