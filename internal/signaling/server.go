package signaling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/carenet/call-relay/internal/admin"
	"github.com/carenet/call-relay/internal/calls"
	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/origin"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/relay"
	"github.com/carenet/call-relay/internal/store"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Presence  *presence.Registry
	Directory store.UserDirectory
	CallStore store.CallStore

	// ICEServers is sent to every client in the connected event.
	ICEServers []webrtc.ICEServer

	// AllowedOrigins is checked during the upgrade. Empty means same host.
	AllowedOrigins []string

	StoreTimeout time.Duration

	// WebSocket keepalive. Every pong refreshes the presence heartbeat.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server owns every live signaling connection and routes events between them.
// It is the delivery transport for the call manager, the relay and the admin
// broadcaster.
type Server struct {
	cfg      Config
	presence *presence.Registry
	dir      store.UserDirectory
	calls    *calls.Manager
	relay    *relay.Relay
	admins   *admin.Broadcaster
	origins  origin.Policy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*wsSession
	closed   bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		presence: cfg.Presence,
		dir:      cfg.Directory,
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		metrics:  cfg.Metrics,
		log:      logger.With("component", "signaling"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*wsSession),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	s.relay = relay.New(s, cfg.Metrics, logger)
	s.admins = admin.NewBroadcaster(cfg.Presence, s, cfg.Metrics, logger)
	s.calls = calls.NewManager(calls.Config{
		Presence:     cfg.Presence,
		Store:        cfg.CallStore,
		Directory:    cfg.Directory,
		Notifier:     s,
		Admins:       s.admins,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      cfg.Metrics,
	})
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

// Calls exposes the call manager for read-only use by other surfaces.
func (s *Server) Calls() *calls.Manager { return s.calls }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wss := &wsSession{
		srv:     s,
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond),
		done:    make(chan struct{}),
	}
	if !s.register(wss) {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.wg.Done()

	s.metrics.Inc(metrics.ConnectionsOpened)
	s.log.Debug("connection opened", "connection_id", wss.id, "remote_addr", r.RemoteAddr)
	wss.run(s.ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if _, ok := s.origins.Check(r.Header.Get("Origin"), r.Host); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Info("websocket origin rejected", "origin", r.Header.Get("Origin"), "host", r.Host)
		return false
	}
	return true
}

func (s *Server) register(wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[wss.id] = wss
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(connectionID string) {
	s.mu.Lock()
	delete(s.sessions, connectionID)
	s.mu.Unlock()
}

func (s *Server) session(connectionID string) (*wsSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wss, ok := s.sessions[connectionID]
	return wss, ok
}

// Connections returns the number of open signaling connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Send encodes and delivers one event. It reports false when the connection
// is gone or the write failed.
func (s *Server) Send(connectionID string, event protocol.Event, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		s.log.Error("encode event failed", "event", event, "err", err)
		return false
	}
	return s.SendFrame(connectionID, frame)
}

// SendFrame delivers a pre-encoded envelope.
func (s *Server) SendFrame(connectionID string, frame []byte) bool {
	wss, ok := s.session(connectionID)
	if !ok {
		return false
	}
	return wss.writeFrame(frame) == nil
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their disconnect cleanup to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*wsSession, 0, len(s.sessions))
	for _, wss := range s.sessions {
		open = append(open, wss)
	}
	s.mu.Unlock()

	for _, wss := range open {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = wss.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnected runs the cleanup for a connection that has gone away: leave
// presence, end its calls, then tell admins.
func (s *Server) disconnected(ctx context.Context, connectionID string) {
	entry, joined := s.presence.Leave(ctx, connectionID)
	s.calls.TerminateForConnection(ctx, connectionID)
	if joined {
		s.admins.PresenceChanged(entry, false)
	}
	s.metrics.Inc(metrics.ConnectionsClosed)
	s.log.Debug("connection closed", "connection_id", connectionID, "user_id", entry.UserID)
}
