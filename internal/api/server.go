// Package api serves the HTTP interface: streaming mirror requests, registry
// deletes, a health probe and the public PDF directory.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/config"
	"github.com/GeminiLight/OverLink/internal/mirror"
	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
)

// Mirrorer runs one mirror job and streams its events.
type Mirrorer interface {
	Mirror(ctx context.Context, job mirror.Job, emit func(mirror.Event)) mirror.Event
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server hosts the API.
type Server struct {
	cfg       config.ServerConfig
	publicDir string
	mirror    Mirrorer
	store     registry.Store
	limiter   *ipLimiter
	logger    *zap.Logger
	router    chi.Router
}

// NewServer wires the routes. store may be nil, which disables deletes.
func NewServer(cfg *config.Config, m Mirrorer, store registry.Store, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg.Server,
		publicDir: cfg.Paths.PublicDir,
		mirror:    m,
		store:     store,
		limiter:   newIPLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		logger:    observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("api")
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Post("/api/mirror", s.handleMirror)
		r.Post("/api/delete", s.handleDelete)
		r.Get("/ws/mirror", s.handleWSMirror)
	})

	files := http.StripPrefix("/public/", http.FileServer(http.Dir(s.publicDir)))
	r.Get("/public/*", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Reload applies the runtime-tunable parts of cfg.
func (s *Server) Reload(cfg *config.Config) {
	s.limiter.update(cfg.Server.RateLimit, cfg.Server.RateBurst)
	s.logger.Info("Rate limit updated.",
		zap.Float64("rate", cfg.Server.RateLimit),
		zap.Int("burst", cfg.Server.RateBurst),
	)
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening.", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error.", zap.Error(err))
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Server stopped.")
	return nil
}

// corsMiddleware allows any origin; the dashboard is hosted elsewhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
