package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel-telemetry/internal/currents"
	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/resolution"
	"vessel-telemetry/internal/storage"
	"vessel-telemetry/internal/storage/memory"
	"vessel-telemetry/internal/stream"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type collector struct {
	mu       sync.Mutex
	messages []protocol.Message
	failAt   int
}

func (c *collector) Send(_ context.Context, m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.messages)+1 >= c.failAt {
		return errors.New("broken pipe")
	}
	c.messages = append(c.messages, m)
	return nil
}

// countingSource counts queries and optionally fails one measurement.
type countingSource struct {
	storage.TimeSeriesSource
	mu       sync.Mutex
	calls    int
	failFor  string
	measures []string
}

func (s *countingSource) RangeQuery(ctx context.Context, q storage.RangeQuery) ([]storage.Row, error) {
	s.mu.Lock()
	s.calls++
	s.measures = append(s.measures, q.Measurement)
	s.mu.Unlock()
	if q.Measurement == s.failFor {
		return nil, errors.New("connection refused")
	}
	return s.TimeSeriesSource.RangeQuery(ctx, q)
}

func ms(d time.Duration) int64 {
	return base.Add(d).UnixMilli()
}

func fixture(t *testing.T) (*countingSource, *memory.TargetStore) {
	t.Helper()
	ctx := context.Background()
	src := memory.NewTimeSeriesSource()

	var nav, sst, adcp []storage.Row
	for i := 0; i < 600; i++ {
		ts := ms(time.Duration(i) * time.Second)
		nav = append(nav,
			storage.Row{TimestampMs: ts, Field: "lat", Value: 44 + float64(i)*0.0001},
			storage.Row{TimestampMs: ts, Field: "lon", Value: -125 + float64(i)*0.0001},
			storage.Row{TimestampMs: ts, Field: "heading", Value: 90},
		)
	}
	for i := 0; i < 300; i++ {
		ts := ms(time.Duration(i)*2*time.Second + 500*time.Millisecond)
		sst = append(sst, storage.Row{TimestampMs: ts, Field: "temp", Value: 10 + float64(i%7)})
	}
	for i := 0; i < 10; i++ {
		// two depth bins of one ensemble
		ts := ms(time.Duration(i) * time.Minute)
		adcp = append(adcp,
			storage.Row{TimestampMs: ts, Bin: 0, Field: "u", Value: 0.3},
			storage.Row{TimestampMs: ts, Bin: 0, Field: "v", Value: 0.4},
			storage.Row{TimestampMs: ts, Bin: 0, Field: "depth", Value: 12},
			storage.Row{TimestampMs: ts, Bin: 1, Field: "u", Value: 0.1},
			storage.Row{TimestampMs: ts, Bin: 1, Field: "v", Value: 0},
			storage.Row{TimestampMs: ts, Bin: 1, Field: "depth", Value: 600},
		)
	}
	require.NoError(t, src.Append(ctx, "nav", nav))
	require.NoError(t, src.Append(ctx, "sst", sst))
	require.NoError(t, src.Append(ctx, "adcp_wh300", adcp))

	targets := memory.NewTargetStore()
	for _, tg := range []*domain.Target{
		{ID: "ship:track", Kind: domain.FeedPosition, PositionMeasurement: "nav"},
		{ID: "ship:sst", Kind: domain.FeedSensor, Measurement: "sst", ValueField: "temp", PositionMeasurement: "nav"},
		{ID: "ship:adcp", Kind: domain.FeedCurrents, Measurement: "adcp_wh300", PositionMeasurement: "nav", Instrument: "WH300", DepthRange: "0-25"},
	} {
		require.NoError(t, targets.Insert(ctx, tg))
	}
	return &countingSource{TimeSeriesSource: src}, targets
}

func newService(t *testing.T, src storage.TimeSeriesSource, targets storage.TargetRegistry, chunkSize int) *Service {
	t.Helper()
	planner, err := resolution.NewPlanner(resolution.Config{})
	require.NoError(t, err)
	return NewService(planner, src, targets, Config{
		Tolerance: 30 * time.Second,
		Stream:    stream.Options{ChunkSize: chunkSize},
	})
}

func request(start, end time.Duration, res string, targets ...string) *protocol.HistoricalRequest {
	return &protocol.HistoricalRequest{
		ID:         "req-1",
		Start:      base.Add(start),
		End:        base.Add(end),
		Targets:    targets,
		Resolution: res,
	}
}

// split groups messages by target, preserving order.
func split(messages []protocol.Message) (order []string, byTarget map[string][]protocol.Message) {
	byTarget = make(map[string][]protocol.Message)
	for _, m := range messages {
		var target string
		switch m := m.(type) {
		case *protocol.ChunkMessage:
			target = m.Target
		case *protocol.CompleteMessage:
			target = m.Target
		case *protocol.ErrorMessage:
			target = m.Target
		}
		if _, ok := byTarget[target]; !ok {
			order = append(order, target)
		}
		byTarget[target] = append(byTarget[target], m)
	}
	return order, byTarget
}

func points(messages []protocol.Message) []protocol.Point {
	var out []protocol.Point
	for _, m := range messages {
		if c, ok := m.(*protocol.ChunkMessage); ok {
			out = append(out, c.Points...)
		}
	}
	return out
}

func TestRun_StartEqualsEndRejectedBeforeQuery(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(time.Minute, time.Minute, "", "ship:sst"))

	assert.ErrorIs(t, err, resolution.ErrInvalidRange)
	assert.Equal(t, 0, src.calls)
	require.Len(t, out.messages, 1)
	msg, ok := out.messages[0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "req-1", msg.ID)
	assert.Empty(t, msg.Target)
}

func TestRun_UnknownResolutionRejected(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(0, time.Minute, "3s", "ship:sst"))

	assert.Error(t, err)
	assert.Equal(t, 0, src.calls)
	require.Len(t, out.messages, 1)
}

func TestRun_SensorRaw(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 50)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "raw", "ship:sst"))
	require.NoError(t, err)

	pts := points(out.messages)
	assert.Len(t, pts, 300)
	first := out.messages[0].(*protocol.ChunkMessage)
	assert.Equal(t, "raw", first.Resolution)
	assert.Equal(t, 6, first.TotalChunks)
	// 500ms sample ties between the fixes at 0s and 1s; the earlier one wins.
	assert.Equal(t, 44.0, pts[0].Lat)
	require.NotNil(t, pts[0].Value)
	assert.Equal(t, 10.0, *pts[0].Value)
	require.NotNil(t, pts[0].Heading)
	assert.Equal(t, "2024-03-01T00:00:00.500Z", pts[0].Time)

	last := out.messages[len(out.messages)-1].(*protocol.CompleteMessage)
	assert.Equal(t, 300, last.TotalPoints)
	assert.Equal(t, []string{"sst", "nav"}, src.measures, "values are queried before positions")
}

func TestRun_SensorAutoBuckets(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	// 10 minutes / 3000 points rounds to 1s buckets
	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "auto", "ship:sst"))
	require.NoError(t, err)

	pts := points(out.messages)
	require.Len(t, pts, 300)
	assert.Equal(t, "1s", out.messages[0].(*protocol.ChunkMessage).Resolution)
	assert.Equal(t, "2024-03-01T00:00:00.000Z", pts[0].Time, "bucket rows carry the bucket start")
	assert.Equal(t, "2024-03-01T00:00:02.000Z", pts[1].Time)
}

func TestRun_PositionTrack(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "1m", "ship:track"))
	require.NoError(t, err)

	pts := points(out.messages)
	require.Len(t, pts, 10)
	for _, p := range pts {
		assert.Nil(t, p.Value)
	}
	// last fix of the first minute
	assert.InDelta(t, 44+59*0.0001, pts[0].Lat, 1e-9)
	assert.Equal(t, 1, src.calls)
}

func TestRun_Currents(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "", "ship:adcp"))
	require.NoError(t, err)

	pts := points(out.messages)
	require.Len(t, pts, 10, "only the 0-25m bin")
	assert.Equal(t, "raw", out.messages[0].(*protocol.ChunkMessage).Resolution)
	require.NotNil(t, pts[0].Value)
	assert.InDelta(t, 0.5, *pts[0].Value, 1e-9)
	assert.InDelta(t, 36.8698976, pts[0].Fields[currents.FieldDirection], 1e-6)
	assert.Equal(t, 12.0, pts[0].Fields[currents.FieldDepth])
}

func TestRun_CurrentsDeepBandSameEnsemble(t *testing.T) {
	src, targets := fixture(t)
	ctx := context.Background()
	require.NoError(t, targets.Insert(ctx, &domain.Target{
		ID: "ship:adcp-deep", Kind: domain.FeedCurrents, Measurement: "adcp_wh300",
		PositionMeasurement: "nav", Instrument: "WH300", DepthRange: ">500",
	}))
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(ctx, out, request(0, 10*time.Minute, "", "ship:adcp-deep"))
	require.NoError(t, err)

	pts := points(out.messages)
	require.Len(t, pts, 10)
	for _, p := range pts {
		assert.Equal(t, 600.0, p.Fields[currents.FieldDepth])
		assert.Equal(t, 0.0, p.Fields[currents.FieldV])
		require.NotNil(t, p.Value)
		assert.InDelta(t, 0.1, *p.Value, 1e-9)
	}
}

func TestRun_CurrentsLongerThanRawLimit(t *testing.T) {
	src, targets := fixture(t)
	planner, err := resolution.NewPlanner(resolution.Config{MaxRawSpan: 5 * time.Minute})
	require.NoError(t, err)
	svc := NewService(planner, src, targets, Config{Stream: stream.Options{ChunkSize: 1000}})
	out := &collector{}

	err = svc.Run(context.Background(), out, request(0, 10*time.Minute, "", "ship:adcp", "ship:track"))
	require.NoError(t, err)

	order, byTarget := split(out.messages)
	assert.Equal(t, []string{"ship:adcp", "ship:track"}, order)

	errMsg, ok := byTarget["ship:adcp"][0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "raw resolution is limited")

	track := byTarget["ship:track"]
	_, ok = track[len(track)-1].(*protocol.CompleteMessage)
	assert.True(t, ok)
}

func TestRun_TargetFailureDoesNotAbortOthers(t *testing.T) {
	src, targets := fixture(t)
	src.failFor = "sst"
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "", "ship:sst", "ship:nope", "ship:track"))
	require.NoError(t, err)

	order, byTarget := split(out.messages)
	assert.Equal(t, []string{"ship:sst", "ship:nope", "ship:track"}, order)

	errMsg, ok := byTarget["ship:sst"][0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "values query")
	assert.Equal(t, "req-1", errMsg.ID)

	unknown, ok := byTarget["ship:nope"][0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, unknown.Message, "unknown target")

	track := byTarget["ship:track"]
	complete, ok := track[len(track)-1].(*protocol.CompleteMessage)
	require.True(t, ok)
	assert.Equal(t, 600, complete.TotalPoints)
}

func TestRun_EncodeFailureFailsOnlyThatTarget(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}
	consumer := stream.ConsumerFunc(func(ctx context.Context, m protocol.Message) error {
		if c, ok := m.(*protocol.ChunkMessage); ok && c.Target == "ship:sst" {
			return fmt.Errorf("%w chunk: unsupported value", protocol.ErrEncode)
		}
		return out.Send(ctx, m)
	})

	err := svc.Run(context.Background(), consumer, request(0, 10*time.Minute, "", "ship:sst", "ship:track"))
	require.NoError(t, err)

	order, byTarget := split(out.messages)
	assert.Equal(t, []string{"ship:sst", "ship:track"}, order)

	require.Len(t, byTarget["ship:sst"], 1)
	errMsg, ok := byTarget["ship:sst"][0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "unsupported value")

	track := byTarget["ship:track"]
	complete, ok := track[len(track)-1].(*protocol.CompleteMessage)
	require.True(t, ok)
	assert.Equal(t, 600, complete.TotalPoints)
}

func TestRun_FutureRangeCompletesEmpty(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	out := &collector{}

	err := svc.Run(context.Background(), out, request(48*time.Hour, 49*time.Hour, "", "ship:sst", "ship:track"))
	require.NoError(t, err)

	require.Len(t, out.messages, 2)
	for _, m := range out.messages {
		c, ok := m.(*protocol.CompleteMessage)
		require.True(t, ok, "got %T", m)
		assert.Equal(t, 0, c.TotalPoints)
	}
}

func TestRun_IdenticalBytesOnRepeat(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 64)
	req := request(0, 10*time.Minute, "", "ship:sst", "ship:track", "ship:adcp")

	encode := func() [][]byte {
		out := &collector{}
		require.NoError(t, svc.Run(context.Background(), out, req))
		frames := make([][]byte, len(out.messages))
		for i, m := range out.messages {
			data, err := protocol.CBOR.EncodeMessage(m)
			require.NoError(t, err)
			frames[i] = data
		}
		return frames
	}

	first := encode()
	second := encode()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestRun_ConsumerGoneStops(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 10)
	out := &collector{failAt: 3}

	err := svc.Run(context.Background(), out, request(0, 10*time.Minute, "raw", "ship:sst", "ship:track"))

	assert.ErrorIs(t, err, stream.ErrConsumerGone)
	assert.Len(t, out.messages, 2)
	assert.Equal(t, 2, src.calls, "the second target must never be queried")
}

func TestRun_CancelledContext(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 10)
	out := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx, out, request(0, 10*time.Minute, "", "ship:sst", "ship:track"))

	assert.ErrorIs(t, err, stream.ErrConsumerGone)
	assert.Empty(t, out.messages)
}

func TestQueryError(t *testing.T) {
	err := &QueryError{Target: "a", Stage: StagePositions, Err: storage.ErrInvalidInput}

	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.Equal(t, "target a: positions query: invalid input", err.Error())

	var qe *QueryError
	assert.True(t, errors.As(error(err), &qe))
}

func TestLatest(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	ctx := context.Background()

	sst, err := targets.GetByID(ctx, "ship:sst")
	require.NoError(t, err)
	point, ok, err := svc.Latest(ctx, sst, ms(9*time.Minute+30*time.Second), ms(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms(598*time.Second+500*time.Millisecond), point.TimestampMs)
	assert.Equal(t, ms(598*time.Second), point.FixTimestampMs)

	track, err := targets.GetByID(ctx, "ship:track")
	require.NoError(t, err)
	point, ok, err = svc.Latest(ctx, track, ms(9*time.Minute), ms(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms(599*time.Second), point.TimestampMs)
	assert.False(t, point.HasValue)

	adcp, err := targets.GetByID(ctx, "ship:adcp")
	require.NoError(t, err)
	point, ok, err = svc.Latest(ctx, adcp, ms(8*time.Minute+30*time.Second), ms(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ms(9*time.Minute), point.TimestampMs)
	assert.InDelta(t, 0.5, point.Value, 1e-9)
}

func TestLatest_NothingInWindow(t *testing.T) {
	src, targets := fixture(t)
	svc := newService(t, src, targets, 1000)
	ctx := context.Background()

	sst, err := targets.GetByID(ctx, "ship:sst")
	require.NoError(t, err)
	_, ok, err := svc.Latest(ctx, sst, ms(time.Hour), ms(time.Hour+30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, src.calls, "no position query without values")
}

func TestLatest_QueryError(t *testing.T) {
	src, targets := fixture(t)
	src.failFor = "nav"
	svc := newService(t, src, targets, 1000)
	ctx := context.Background()

	sst, err := targets.GetByID(ctx, "ship:sst")
	require.NoError(t, err)
	_, _, err = svc.Latest(ctx, sst, ms(0), ms(time.Minute))

	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, StagePositions, qe.Stage)
}
