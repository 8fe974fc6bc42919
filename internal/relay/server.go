// Package relay implements the WebSocket endpoint that pairs agent and
// browser connections by session code and routes terminal traffic between
// them.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termcode/termcode/internal/logger"
	"github.com/termcode/termcode/internal/ratelimit"
	"github.com/termcode/termcode/internal/registry"
	"github.com/termcode/termcode/internal/staticassets"
)

const (
	reapInterval     = 30 * time.Second
	authFailedLinger = 500 * time.Millisecond
)

// Config holds the relay's runtime settings, bound from environment
// variables by internal/config.
type Config struct {
	Port           string
	UnpairedExpiry time.Duration
}

// Server is the relay's HTTP handler: it owns the session registry, the
// static-asset fallback, and every live WebSocket connection for shutdown
// broadcast purposes.
type Server struct {
	Registry *registry.Registry
	cfg      Config
	mux      *http.ServeMux
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// NewServer wires the registry, rate limiter, and static-asset fallback
// behind a single mux, matching the teacher's registerStaticRoutes +
// explicit route table pattern in internal/relay/server.go.
func NewServer(cfg Config) *Server {
	reg := registry.New()
	if cfg.UnpairedExpiry > 0 {
		reg.UnpairedExpiry = cfg.UnpairedExpiry
	}

	s := &Server{
		Registry: reg,
		cfg:      cfg,
		mux:      http.NewServeMux(),
		limiter:  ratelimit.New(),
		log:      logger.With("relay"),
		conns:    make(map[*websocket.Conn]struct{}),
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	staticassets.Register(s.mux)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ReapLoop periodically sweeps the registry for unpaired sessions whose
// expiry has passed. Run it in its own goroutine for the lifetime of the
// process.
func (s *Server) ReapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.Registry.Reap(time.Now())
			if len(removed) > 0 {
				s.log.Info("reaped expired sessions", "count", len(removed))
			}
		}
	}
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Shutdown closes every live connection with a service-restart status, then
// shuts down the given HTTP server, mirroring the teacher's
// GracefulShutdown broadcast-then-Shutdown pattern.
func (s *Server) Shutdown(ctx context.Context, httpSrv *http.Server) error {
	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusServiceRestart, "relay shutting down")
	}
	s.log.Info("closed connections for shutdown", "count", len(conns))
	return httpSrv.Shutdown(ctx)
}

func newOpaqueID() string {
	return uuid.New().String()
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		return xf
	}
	return r.RemoteAddr
}
