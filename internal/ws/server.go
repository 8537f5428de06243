// Package ws handles WebSocket connection management: upgrading HTTP
// connections, verifying client identity, tracking live connections per
// user, and running the per-connection read loop.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Authenticator verifies the credential presented on an inbound
// connection and resolves the user identity behind it.
type Authenticator interface {
	Authenticate(credential string) (userID int64, username string, err error)
}

// ConnectLimiter throttles connection attempts per client IP. It runs
// before authentication so abusive IPs cannot burn credential checks.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, ip string) bool
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // bounded per-connection send timeout
	IdleTimeout    time.Duration // read deadline per wait; heartbeats keep live connections inside it
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    90 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket and runs one goroutine
// per connection: a read loop that hands complete text frames to the
// onMessage callback. The moderation work that callback performs may
// block; it never holds any Registry lock.
type Server struct {
	config       ServerConfig
	registry     *Registry
	auth         Authenticator
	connLimit    ConnectLimiter
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	extraRoutes  map[string]http.Handler
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server over the given registry and authenticator.
// The onMessage callback runs on the connection's own goroutine.
func NewServer(config ServerConfig, registry *Registry, auth Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:      config,
		registry:    registry,
		auth:        auth,
		onMessage:   onMessage,
		extraRoutes: make(map[string]http.Handler),
		done:        make(chan struct{}),
	}
}

// Handle mounts an extra HTTP handler (e.g. the Prometheus /metrics
// endpoint) on the server's mux. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extraRoutes[pattern] = handler
}

// SetConnectLimiter registers a per-IP throttle consulted on every
// upgrade attempt. Must be called before Start.
func (s *Server) SetConnectLimiter(l ConnectLimiter) { s.connLimit = l }

// SetOnConnect registers a callback invoked after a connection is
// registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked after a connection is
// removed (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Registry returns the connection registry for external delivery access.
func (s *Server) Registry() *Registry { return s.registry }

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the credential supplied in the token query
// parameter, upgrades the HTTP request, registers the connection, and
// starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.CountConnections() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.connLimit != nil && !s.connLimit.AllowConnect(r.Context(), remoteIP(r)) {
		log.Printf("ws: connect rate limited ip=%s", remoteIP(r))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	userID, username, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		log.Printf("ws: authentication failed: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%d: %v", userID, err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Username:  username,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.registry.Register(c)
	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection id=%s user=%d (conns=%d users=%d)",
		c.ID, c.UserID, s.registry.CountConnections(), s.registry.CountUsers())

	go s.readLoop(c)
}

// readLoop reads frames from one connection until it dies. Control frames
// are answered inline; complete text/binary frames go to the onMessage
// callback on this same goroutine, so moderation backpressure is carried
// by the sending client alone.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.IdleTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// remoteIP strips the port off the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON,
// including connection counts and uptime, for load-balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Users       int    `json:"users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.CountConnections(),
		Users:       s.registry.CountUsers(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection removes a connection from the registry and closes it.
// Exported so the heartbeat monitor and the broadcast router can evict
// dead connections. Safe to call multiple times for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.registry.Unregister(c) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s user=%d (conns=%d)",
		c.ID, c.UserID, s.registry.CountConnections())
}

// Done returns the channel closed on shutdown, for background monitors.
func (s *Server) Done() <-chan struct{} { return s.done }

// Shutdown gracefully stops the server: it stops the HTTP listener,
// signals background loops to exit, and closes all live connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.registry.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
