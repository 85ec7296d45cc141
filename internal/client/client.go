// Package client is a WebSocket client for the telemetry protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vessel-telemetry/internal/protocol"
)

// ErrClosed is returned once the client or its connection is closed.
var ErrClosed = errors.New("client closed")

// Config configures client behavior.
type Config struct {
	// Subprotocol selects the codec, protocol.SubprotocolJSON by default.
	Subprotocol string
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// LiveBuffer is the capacity of the live message channel.
	LiveBuffer int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		Subprotocol:  protocol.SubprotocolJSON,
		PingInterval: 30 * time.Second,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
		LiveBuffer:   256,
	}
}

// call is one historical request waiting for its targets.
type call struct {
	order   []string
	targets map[string]*Accumulator
	pending int
	err     error
	done    chan struct{}
}

func (c *call) finish(err error) {
	if c.err == nil {
		c.err = err
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Client is a connection to a telemetry server. A disconnect ends every
// request in flight; there is no resume.
type Client struct {
	config Config
	codec  protocol.Codec

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	requestID atomic.Uint64

	calls   map[string]*call
	callsMu sync.Mutex

	live chan *protocol.LiveMessage

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to endpoint, a ws:// or wss:// URL of the /ws route.
func Dial(ctx context.Context, endpoint string, config *Config) (*Client, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	def := DefaultConfig()
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = def.Subprotocol
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.LiveBuffer <= 0 {
		cfg.LiveBuffer = def.LiveBuffer
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{cfg.Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	codec, err := protocol.ForSubprotocol(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		config: cfg,
		codec:  codec,
		conn:   conn,
		calls:  make(map[string]*call),
		live:   make(chan *protocol.LiveMessage, cfg.LiveBuffer),
		done:   make(chan struct{}),
	}

	// Start reader goroutine
	c.wg.Add(1)
	go c.readLoop()

	// Start ping goroutine
	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// Live returns the channel of live pushes. It is closed with the client.
func (c *Client) Live() <-chan *protocol.LiveMessage {
	return c.live
}

// Historical requests [start, end] for targets and waits until every target
// completed or failed. Results follow the request order.
func (c *Client) Historical(ctx context.Context, start, end time.Time, targets []string, resolution string) ([]*Accumulator, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	id := "q" + strconv.FormatUint(c.requestID.Add(1), 10)
	pc := &call{targets: make(map[string]*Accumulator), done: make(chan struct{})}
	for _, t := range targets {
		if _, ok := pc.targets[t]; ok {
			continue
		}
		pc.order = append(pc.order, t)
		pc.targets[t] = NewAccumulator(t)
	}
	pc.pending = len(pc.order)

	c.callsMu.Lock()
	c.calls[id] = pc
	c.callsMu.Unlock()
	defer func() {
		c.callsMu.Lock()
		delete(c.calls, id)
		c.callsMu.Unlock()
	}()

	req := &protocol.HistoricalRequest{ID: id, Start: start, End: end, Targets: pc.order, Resolution: resolution}
	if err := c.write(req); err != nil {
		return nil, err
	}

	select {
	case <-pc.done:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	if pc.err != nil {
		return nil, pc.err
	}
	out := make([]*Accumulator, len(pc.order))
	for i, t := range pc.order {
		out[i] = pc.targets[t]
	}
	return out, nil
}

// Subscribe starts live pushes for targets.
func (c *Client) Subscribe(targets ...string) error {
	return c.write(&protocol.SubscribeRequest{Targets: targets})
}

// Unsubscribe stops live pushes for targets.
func (c *Client) Unsubscribe(targets ...string) error {
	return c.write(&protocol.UnsubscribeRequest{Targets: targets})
}

func (c *Client) write(r protocol.Request) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := c.codec.EncodeRequest(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// readLoop reads messages and routes them to their request or to Live.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.live)
	defer c.failAll(ErrClosed)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Swap(true) {
				close(c.done)
				c.conn.Close()
			}
			return
		}

		m, err := c.codec.DecodeMessage(data)
		if err != nil {
			continue
		}
		c.handleMessage(m)
	}
}

func (c *Client) handleMessage(m protocol.Message) {
	if lm, ok := m.(*protocol.LiveMessage); ok {
		select {
		case c.live <- lm:
		default:
		}
		return
	}

	c.callsMu.Lock()
	defer c.callsMu.Unlock()

	switch m := m.(type) {
	case *protocol.ChunkMessage:
		if acc, pc := c.lookup(m.ID, m.Target); acc != nil {
			if err := acc.Add(m); err != nil {
				pc.finish(err)
			}
		}
	case *protocol.CompleteMessage:
		if acc, pc := c.lookup(m.ID, m.Target); acc != nil {
			if err := acc.Complete(m); err != nil {
				pc.finish(err)
				return
			}
			pc.targetDone()
		}
	case *protocol.ErrorMessage:
		pc, ok := c.calls[m.ID]
		if !ok {
			return
		}
		if m.Target == "" {
			pc.finish(errors.New(m.Message))
			return
		}
		if acc := pc.targets[m.Target]; acc != nil && !acc.Done() {
			acc.Fail(m)
			pc.targetDone()
		}
	}
}

func (c *Client) lookup(id, target string) (*Accumulator, *call) {
	pc, ok := c.calls[id]
	if !ok {
		return nil, nil
	}
	return pc.targets[target], pc
}

func (pc *call) targetDone() {
	pc.pending--
	if pc.pending == 0 {
		pc.finish(nil)
	}
}

func (c *Client) failAll(err error) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	for _, pc := range c.calls {
		pc.finish(err)
	}
}

// pingLoop sends periodic pings.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
		}
	}
}
