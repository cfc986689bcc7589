// Package api exposes the image cache, stored listings and live listing
// events over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/FranksOps/poolfeed/internal/events"
	"github.com/FranksOps/poolfeed/internal/gate"
	"github.com/FranksOps/poolfeed/internal/imagecache"
	"github.com/FranksOps/poolfeed/internal/storage"
)

const (
	defaultPageSize = 24
	maxPageSize     = 100
)

// Config tunes the HTTP surface.
type Config struct {
	Addr string
	// ResolveLimit caps image resolutions per client IP within ResolveWindow.
	// Zero disables the limit.
	ResolveLimit  int
	ResolveWindow time.Duration
	// RequestTimeout bounds non-streaming handlers. Defaults to 30s.
	RequestTimeout time.Duration
	// KeepAlive is the comment interval on event streams. Defaults to 25s.
	KeepAlive time.Duration
}

// Deps are the components the handlers serve.
type Deps struct {
	Store  storage.ListingStore
	Images *imagecache.Cache
	// Gate records per-client resolve attempts. Nil disables rate limiting.
	Gate      *gate.Gate
	Hub       *events.Hub
	Watchlist *events.Watchlist
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	router     http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server. Store and Images are required.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Store == nil || deps.Images == nil {
		return nil, errors.New("api: store and image cache are required")
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(logger)
	}
	if deps.Watchlist == nil {
		deps.Watchlist = events.NewWatchlist()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ResolveWindow <= 0 {
		cfg.ResolveWindow = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 25 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Addr until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
