package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/stream"
)

var errConnectionClosed = errors.New("connection closed")

type frame struct {
	data []byte
}

// connection is one WebSocket client. The read loop dispatches requests,
// the write loop owns every data frame write, and the session loop runs
// historical requests one at a time in arrival order.
type connection struct {
	id          uuid.UUID
	server      *Server
	ws          *websocket.Conn
	codec       protocol.Codec
	frameType   int
	connectedAt time.Time
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbox   chan frame
	requests chan *protocol.HistoricalRequest

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConnection(s *Server, ws *websocket.Conn, codec protocol.Codec) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	return &connection{
		id:          id,
		server:      s,
		ws:          ws,
		codec:       codec,
		frameType:   frameType,
		connectedAt: time.Now(),
		logger:      s.logger.With("conn", id.String()),
		ctx:         ctx,
		cancel:      cancel,
		outbox:      make(chan frame, s.cfg.OutboxSize),
		requests:    make(chan *protocol.HistoricalRequest, s.cfg.MaxPending),
	}
}

// Send queues m, waiting for room in the outbox. It fails once the
// connection is closed or ctx is done.
func (c *connection) Send(ctx context.Context, m protocol.Message) error {
	data, err := c.codec.EncodeMessage(m)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return errConnectionClosed
	}
	select {
	case c.outbox <- frame{data: data}:
		return nil
	case <-c.ctx.Done():
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push queues a live message without waiting; a full outbox drops it.
func (c *connection) Push(m *protocol.LiveMessage) bool {
	if c.closed.Load() {
		return false
	}
	data, err := c.codec.EncodeMessage(m)
	if err != nil {
		c.logger.Error("encode live message", "error", err)
		return false
	}
	select {
	case c.outbox <- frame{data: data}:
		return true
	default:
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(c.server.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		req, err := c.codec.DecodeRequest(data)
		if err != nil {
			observability.RecordProtocolError()
			c.reply(&protocol.ErrorMessage{Message: err.Error()})
			continue
		}
		observability.RecordInbound(protocol.RequestType(req))
		c.dispatch(req)
	}
}

// dispatch handles every request variant.
func (c *connection) dispatch(req protocol.Request) {
	switch r := req.(type) {
	case *protocol.HistoricalRequest:
		select {
		case c.requests <- r:
		default:
			c.reply(&protocol.ErrorMessage{ID: r.ID, Message: "too many pending historical requests"})
		}

	case *protocol.SubscribeRequest:
		for _, id := range r.Targets {
			if err := c.server.live.Subscribe(c.ctx, id, c); err != nil {
				c.reply(&protocol.ErrorMessage{Target: id, Message: err.Error()})
			}
		}

	case *protocol.UnsubscribeRequest:
		for _, id := range r.Targets {
			c.server.live.Unsubscribe(id, c)
		}

	default:
		c.reply(&protocol.ErrorMessage{Message: fmt.Sprintf("unhandled request %s", protocol.RequestType(req))})
	}
}

// reply sends a message from the read loop without blocking it for long.
func (c *connection) reply(m protocol.Message) {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	if err := c.Send(ctx, m); err != nil {
		observability.RecordOutboundDropped(protocol.TypeOf(m))
	}
}

func (c *connection) sessionLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.requests:
			c.server.activeSessions.Add(1)
			err := c.server.history.Run(c.ctx, c, req)
			c.server.activeSessions.Add(-1)
			if errors.Is(err, stream.ErrConsumerGone) {
				c.logger.Debug("historical request abandoned", "request", req.ID, "error", err)
			}
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case f := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(c.frameType, f.data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.server.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close tears the connection down once: it stops the session, leaves
// every live feed, and closes the socket.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.server.live.UnsubscribeAll(c)

		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.ws.Close()

		c.server.removeClient(c)
		c.logger.Info("client disconnected", "duration", time.Since(c.connectedAt).Round(time.Millisecond))
	})
}
