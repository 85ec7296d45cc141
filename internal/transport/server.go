// Package transport serves the client protocol over WebSocket together with
// the health, metrics, status, and target catalog endpoints.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vessel-telemetry/internal/live"
	"vessel-telemetry/internal/observability"
	"vessel-telemetry/internal/protocol"
	"vessel-telemetry/internal/storage"
	"vessel-telemetry/internal/stream"
)

// HistoryRunner runs one historical request to completion.
type HistoryRunner interface {
	Run(ctx context.Context, consumer stream.Consumer, req *protocol.HistoricalRequest) error
}

// LiveHub manages live subscriptions.
type LiveHub interface {
	Subscribe(ctx context.Context, id string, sub live.Subscriber) error
	Unsubscribe(id string, sub live.Subscriber)
	UnsubscribeAll(sub live.Subscriber)
	Feeds() []live.FeedStatus
}

// Config configures a Server.
type Config struct {
	WriteTimeout   time.Duration // per frame write deadline
	PongWait       time.Duration // read deadline, extended by every pong
	PingInterval   time.Duration // must be shorter than PongWait
	OutboxSize     int           // queued outbound frames per connection
	MaxPending     int           // queued historical requests per connection
	ReadLimit      int64         // largest accepted inbound frame
	AllowAnyOrigin bool
	AllowedOrigins []string
	Logger         *slog.Logger
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		OutboxSize:   256,
		MaxPending:   8,
		ReadLimit:    64 * 1024,
	}
}

// Server accepts WebSocket clients.
type Server struct {
	cfg      Config
	history  HistoryRunner
	live     LiveHub
	targets  storage.TargetRegistry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	startedAt      time.Time
	activeSessions atomic.Int64

	clientsMu sync.RWMutex
	clients   map[*connection]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server.
func NewServer(cfg Config, history HistoryRunner, hub LiveHub, targets storage.TargetRegistry) *Server {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait / 2
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		history:   history,
		live:      hub,
		targets:   targets,
		logger:    cfg.Logger.With("component", "transport"),
		startedAt: time.Now(),
		clients:   make(map[*connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		Subprotocols:    protocol.Subprotocols,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.ServeWS)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/targets", s.handleTargets)
	return mux
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	codec, err := protocol.ForSubprotocol(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return
	}

	c := newConnection(s, ws, codec)
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	observability.RecordConnection(1)
	c.logger.Info("client connected", "remote", r.RemoteAddr, "subprotocol", codec.Subprotocol())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		c.sessionLoop()
	}()
	c.readLoop()
}

func (s *Server) removeClient(c *connection) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	observability.RecordConnection(-1)
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their goroutines.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*connection, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	StartedAt      time.Time         `json:"started_at"`
	Clients        int               `json:"clients"`
	ActiveSessions int64             `json:"active_sessions"`
	LiveFeeds      []live.FeedStatus `json:"live_feeds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:         "running",
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt:      s.startedAt,
		Clients:        s.ClientCount(),
		ActiveSessions: s.activeSessions.Load(),
		LiveFeeds:      s.live.Feeds(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.List(r.Context())
	if err != nil {
		s.logger.Error("list targets", "error", err)
		http.Error(w, "failed to list targets", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(targets)
}
