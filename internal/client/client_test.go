package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vessel-telemetry/internal/protocol"
)

// reply builds the server messages for one decoded request.
type reply func(r protocol.Request) []protocol.Message

// fakeServer answers every request with the messages returned by fn.
func fakeServer(t *testing.T, fn reply) string {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: protocol.Subprotocols}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		codec, err := protocol.ForSubprotocol(conn.Subprotocol())
		if err != nil {
			return
		}
		frameType := websocket.TextMessage
		if codec.Binary() {
			frameType = websocket.BinaryMessage
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := codec.DecodeRequest(data)
			if err != nil {
				return
			}
			for _, m := range fn(req) {
				out, err := codec.EncodeMessage(m)
				if err != nil {
					return
				}
				if err := conn.WriteMessage(frameType, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(hs.Close)

	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func point(ts string, v float64) protocol.Point {
	return protocol.Point{Time: ts, Lat: 44, Lon: -125, Value: &v}
}

// series answers a historical request with two chunks per target.
func series(r protocol.Request) []protocol.Message {
	h, ok := r.(*protocol.HistoricalRequest)
	if !ok {
		return nil
	}
	var out []protocol.Message
	for _, target := range h.Targets {
		out = append(out,
			&protocol.ChunkMessage{ID: h.ID, Target: target, ChunkIndex: 1, TotalChunks: 2, Resolution: "1m",
				Points: []protocol.Point{point("2024-03-01T00:00:00.000Z", 1), point("2024-03-01T00:01:00.000Z", 2)}},
			&protocol.ChunkMessage{ID: h.ID, Target: target, ChunkIndex: 2, TotalChunks: 2, Resolution: "1m",
				Points: []protocol.Point{point("2024-03-01T00:02:00.000Z", 3)}},
			&protocol.CompleteMessage{ID: h.ID, Target: target, TotalPoints: 3},
		)
	}
	return out
}

var (
	start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(time.Hour)
)

func TestDial_Connects(t *testing.T) {
	url := fakeServer(t, series)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, protocol.SubprotocolJSON, c.codec.Subprotocol())
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", nil)
	assert.Error(t, err)
}

func TestDial_ConfigDefaults(t *testing.T) {
	url := fakeServer(t, series)

	c, err := Dial(context.Background(), url, &Config{ReadTimeout: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	def := DefaultConfig()
	assert.Equal(t, time.Minute, c.config.ReadTimeout)
	assert.Equal(t, def.PingInterval, c.config.PingInterval)
	assert.Equal(t, def.WriteTimeout, c.config.WriteTimeout)
	assert.Equal(t, def.LiveBuffer, c.config.LiveBuffer)
	assert.Equal(t, def.Subprotocol, c.config.Subprotocol)
}

func TestClient_CloseTwice(t *testing.T) {
	url := fakeServer(t, series)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestClient_RequestsAfterClose(t *testing.T) {
	url := fakeServer(t, series)

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Historical(context.Background(), start, end, []string{"ship:sst"}, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Subscribe("ship:sst"), ErrClosed)

	_, open := <-c.Live()
	assert.False(t, open, "live channel is closed with the client")
}

func TestClient_Historical(t *testing.T) {
	for _, sub := range []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR} {
		t.Run(sub, func(t *testing.T) {
			url := fakeServer(t, series)

			c, err := Dial(context.Background(), url, &Config{Subprotocol: sub})
			require.NoError(t, err)
			defer c.Close()

			results, err := c.Historical(context.Background(), start, end, []string{"ship:sst", "ship:track", "ship:sst"}, "1m")
			require.NoError(t, err)
			require.Len(t, results, 2, "duplicate targets are requested once")

			assert.Equal(t, "ship:sst", results[0].Target)
			assert.Equal(t, "ship:track", results[1].Target)
			for _, acc := range results {
				assert.True(t, acc.Done())
				assert.NoError(t, acc.Err)
				assert.Equal(t, "1m", acc.Resolution)
				require.Len(t, acc.Points, 3)
				assert.Equal(t, "2024-03-01T00:02:00.000Z", acc.Points[2].Time)
			}
		})
	}
}

func TestClient_HistoricalTargetError(t *testing.T) {
	url := fakeServer(t, func(r protocol.Request) []protocol.Message {
		h := r.(*protocol.HistoricalRequest)
		return []protocol.Message{
			&protocol.ErrorMessage{ID: h.ID, Target: "ship:missing", Message: "unknown target"},
			&protocol.ChunkMessage{ID: h.ID, Target: "ship:sst", ChunkIndex: 1, TotalChunks: 1, Resolution: "raw",
				Points: []protocol.Point{point("2024-03-01T00:00:00.000Z", 1)}},
			&protocol.CompleteMessage{ID: h.ID, Target: "ship:sst", TotalPoints: 1},
		}
	})

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	results, err := c.Historical(context.Background(), start, end, []string{"ship:sst", "ship:missing"}, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Points, 1)
	assert.EqualError(t, results[1].Err, "unknown target")
}

func TestClient_HistoricalRequestError(t *testing.T) {
	url := fakeServer(t, func(r protocol.Request) []protocol.Message {
		h := r.(*protocol.HistoricalRequest)
		return []protocol.Message{&protocol.ErrorMessage{ID: h.ID, Message: "start must not be after end"}}
	})

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Historical(context.Background(), end, start, []string{"ship:sst"}, "")
	assert.EqualError(t, err, "start must not be after end")
}

func TestClient_HistoricalSequenceViolation(t *testing.T) {
	url := fakeServer(t, func(r protocol.Request) []protocol.Message {
		h := r.(*protocol.HistoricalRequest)
		return []protocol.Message{
			&protocol.ChunkMessage{ID: h.ID, Target: "ship:sst", ChunkIndex: 2, TotalChunks: 2},
		}
	})

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Historical(context.Background(), start, end, []string{"ship:sst"}, "")
	assert.ErrorIs(t, err, ErrSequence)
}

func TestClient_HistoricalContextCancel(t *testing.T) {
	url := fakeServer(t, func(protocol.Request) []protocol.Message { return nil })

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Historical(ctx, start, end, []string{"ship:sst"}, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ServerDisconnectFailsPending(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: protocol.Subprotocols}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer hs.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Historical(context.Background(), start, end, []string{"ship:sst"}, "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_Live(t *testing.T) {
	url := fakeServer(t, func(r protocol.Request) []protocol.Message {
		s, ok := r.(*protocol.SubscribeRequest)
		if !ok {
			return nil
		}
		var out []protocol.Message
		for _, target := range s.Targets {
			out = append(out, &protocol.LiveMessage{Target: target, Point: point("2024-03-01T00:00:00.000Z", 7)})
		}
		return out
	})

	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe("ship:sst"))

	select {
	case m := <-c.Live():
		assert.Equal(t, "ship:sst", m.Target)
		require.NotNil(t, m.Point.Value)
		assert.Equal(t, 7.0, *m.Point.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no live message")
	}

	assert.NoError(t, c.Unsubscribe("ship:sst"))
}
