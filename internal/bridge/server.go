// ABOUTME: Websocket bridge between the terminal UI and the orchestrator
// ABOUTME: Authenticates clients, relays bus events as envelopes and answers UI commands

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/config"
	"github.com/2389/coven-mux/internal/gate"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/orchestrator"
	"github.com/2389/coven-mux/internal/protocol"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	maxMessageSize    = 1 << 20
	defaultSendBuffer = 256
	shutdownTimeout   = 5 * time.Second
)

// Backend is the orchestrator surface the bridge drives.
type Backend interface {
	SpawnAgent(ctx context.Context, spec config.AgentSpec) (string, error)
	KillAgent(ctx context.Context, agentID string) error
	Send(agentID string, in protocol.Input) error
	Broadcast(in protocol.Input)
	Agents() []mux.AgentInfo
	Peers() []string
	Stats() orchestrator.Stats
	Respond(requestID string, resp gate.Response) bool
	PendingRequests() []gate.Request
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	StatsInterval  time.Duration // zero disables periodic stats
	SendBuffer     int
}

// Server accepts UI websocket connections.
type Server struct {
	backend  Backend
	node     bus.Node
	verifier TokenVerifier
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []bus.Subscription
	closed  bool
}

// New creates a bridge that relays events from node. A nil verifier accepts
// unauthenticated clients.
func New(backend Backend, node bus.Node, verifier TokenVerifier, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend:  backend,
		node:     node,
		verifier: verifier,
		logger:   logger.With("component", "bridge"),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, s.opts.AllowedOrigins)
		},
	}
	s.subscribe()
	return s
}

// Handler returns the HTTP handler: the websocket on /ws and a liveness probe on /health.
func (s *Server) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /ws", s.handleWebSocket)
	m.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return m
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then disconnects every
// client and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	if s.opts.StatsInterval > 0 {
		go s.statsLoop(ctx)
	}
	s.logger.Info("bridge listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down bridge: %w", err)
	}
	return nil
}

// Close disconnects every client and stops relaying events. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.node.Off(sub)
	}
	for _, c := range clients {
		c.close()
	}
	s.cancel()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Publish sends env to every connected client.
func (s *Server) Publish(env protocol.Envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		s.logger.Warn("failed to encode envelope", "type", env.Type, "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			s.logger.Warn("dropping slow bridge client", "client_id", c.id, "subject", c.subject)
			s.remove(c)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if s.verifier != nil {
		token, err := requestToken(r)
		if err == nil {
			subject, err = s.verifier.Verify(token)
		}
		if err != nil {
			s.logger.Warn("bridge client rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(s, conn, subject)
	if !s.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	s.logger.Info("bridge client connected", "client_id", c.id, "subject", subject, "remote_addr", r.RemoteAddr)

	go c.writePump()
	s.sendStats(c, "")
	c.readPump()

	s.remove(c)
	s.logger.Info("bridge client disconnected", "client_id", c.id, "subject", subject)
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.Clients() == 0 {
				continue
			}
			env, err := protocol.NewEnvelope(protocol.EnvelopeStats, "", s.backend.Stats())
			if err != nil {
				s.logger.Warn("failed to encode stats", "error", err)
				continue
			}
			s.Publish(env)
		}
	}
}

func (s *Server) sendStats(c *client, id string) {
	env, err := protocol.NewEnvelope(protocol.EnvelopeStats, id, s.backend.Stats())
	if err != nil {
		s.logger.Warn("failed to encode stats", "error", err)
		return
	}
	c.sendEnvelope(env)
}

// isOriginAllowed accepts requests without an Origin, origins matching the
// allow list by full origin or hostname, and same-host origins when no list
// is configured.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) || strings.EqualFold(originHost, a) {
				return true
			}
		}
		return false
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(originHost, strings.Trim(host, "[]"))
}
