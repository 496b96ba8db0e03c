// Package server exposes framebridge status and the bridge websocket
// endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/framebridge/internal/bridge/wsport"
	"github.com/neboloop/framebridge/internal/httputil"
	"github.com/neboloop/framebridge/internal/location"
	"github.com/neboloop/framebridge/internal/logging"
	"github.com/neboloop/framebridge/internal/surface"
)

const shutdownTimeout = 5 * time.Second

// Server serves the status and bridge routes.
type Server struct {
	addr     string
	hub      *wsport.Hub
	registry *location.Registry
	surfaces *surface.Host
	logger   *slog.Logger
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDiscard(l) }
}

// WithRegistry adds the registry snapshot to /surfaces.
func WithRegistry(r *location.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithSurfaces adds the live surface list to /surfaces.
func WithSurfaces(h *surface.Host) Option {
	return func(s *Server) { s.surfaces = h }
}

// New builds a server listening on addr. hub may be nil, in which case the
// bridge route answers 404.
func New(addr string, hub *wsport.Hub, opts ...Option) *Server {
	s := &Server{addr: addr, hub: hub, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", s.handleHealth)
	r.Get("/surfaces", s.handleSurfaces)
	r.Get("/bridge/{key}", s.handleBridge)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.OkJSON(w, map[string]string{"status": "ok"})
}

// Status is the /surfaces response.
type Status struct {
	Registry *location.Snapshot `json:"registry,omitempty"`
	Surfaces []surface.Info     `json:"surfaces"`
	Ports    []wsport.Status    `json:"ports"`
}

func (s *Server) handleSurfaces(w http.ResponseWriter, _ *http.Request) {
	st := Status{Surfaces: []surface.Info{}, Ports: []wsport.Status{}}
	if s.registry != nil {
		snap := s.registry.Snapshot()
		st.Registry = &snap
	}
	if s.surfaces != nil {
		st.Surfaces = s.surfaces.Surfaces()
	}
	if s.hub != nil {
		st.Ports = s.hub.Ports()
	}
	httputil.OkJSON(w, st)
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.NotFound(w, "bridge disabled")
		return
	}
	s.hub.Accept(w, r, httputil.PathVar(r, "key"))
}
