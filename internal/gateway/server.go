// Package gateway is the network surface of the relay: a REST API for
// resolution, sending, and history, plus a websocket endpoint that fans the
// in-process change feed out to remote clients.
//
// The gateway trusts the fronting application for authentication: the caller
// identity arrives in X-Relay-* headers (or query parameters on the websocket
// upgrade), optionally behind a shared bearer token.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetgrid/relay/internal/config"
	"github.com/fleetgrid/relay/internal/inbox"
	"github.com/fleetgrid/relay/internal/realtime"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/router"
	"github.com/fleetgrid/relay/internal/store"
)

// Server is the relay gateway handling WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	router   *router.Router
	inbox    *inbox.Inbox
	stores   *store.Stores
	feed     realtime.Feed
	enricher *realtime.Enricher

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway over the composed messaging core.
func NewServer(cfg *config.Config, st *store.Stores, res *resolver.Resolver, rtr *router.Router, ibx *inbox.Inbox, feed realtime.Feed) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: res,
		router:   rtr,
		inbox:    ibx,
		stores:   st,
		feed:     feed,
		enricher: realtime.NewEnricher(st.Messages, st.Directory),
		clients:  make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The gateway sits behind the application backend, not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	s.rateLimiter = NewRateLimiter(cfg.Snapshot().RateLimitRPM, 5)
	return s
}

// RateLimiter returns the server's rate limiter for use by handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.registerRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections. Blocks until ctx
// is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades, and runs the connection until it
// drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, actor)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Snapshot().AuthToken
	if token == "" {
		return true // dev mode
	}
	if extractBearerToken(r) == token {
		return true
	}
	// Browser websocket clients cannot set headers on the upgrade request.
	return r.URL.Query().Get("token") == token
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id, "actor", c.actor.Sender.String())
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// ClientCount reports connected websocket clients (diagnostics).
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
