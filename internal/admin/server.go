// Package admin serves the local observability surface: health and status
// JSON plus a WebSocket feed of bus events. It binds loopback by default
// and carries no authentication; it must not be exposed beyond the host.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// StatusFunc gathers the live status payload. Composed in cmd from the
// pool, registry, scheduler, and channel manager.
type StatusFunc func(ctx context.Context) map[string]any

// Options configures the admin server.
type Options struct {
	Listen  string
	Version string
	Events  bus.EventPublisher
	Status  StatusFunc
}

// Server is the admin HTTP server.
type Server struct {
	listen  string
	version string
	events  bus.EventPublisher
	status  StatusFunc
	started time.Time

	upgrader   websocket.Upgrader
	clients    map[string]*wsClient
	mu         sync.RWMutex
	addr       string
	httpServer *http.Server
}

// NewServer creates an admin server. It does not listen until Start.
func NewServer(opts Options) *Server {
	s := &Server{
		listen:  opts.Listen,
		version: opts.Version,
		events:  opts.Events,
		status:  opts.Status,
		started: time.Now(),
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Loopback-only server; browser origin checks add nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Start listens and serves until ctx is cancelled. Blocking; run it on its
// own goroutine or under an errgroup.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{Handler: mux}
	server := s.httpServer
	s.mu.Unlock()

	slog.Info("admin server listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := server.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, s.version)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.status != nil {
		payload = s.status(r.Context())
	}
	payload["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	payload["version"] = s.version

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("status write failed", "error", err)
	}
}

// handleWebSocket upgrades the connection and streams bus events until the
// client hangs up.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(uuid.NewString(), conn)
	s.registerClient(client)
	defer s.unregisterClient(client)

	go client.writePump()
	client.readUntilClosed()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.enqueue(event)
		})
	}
	slog.Info("admin client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.close()
	slog.Info("admin client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
