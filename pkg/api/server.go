// Package api serves the read-only ops surface of the indexer.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apimiddleware "github.com/0xmhha/substrate-indexer/pkg/api/middleware"
	"github.com/0xmhha/substrate-indexer/pkg/metrics"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/0xmhha/substrate-indexer/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BalanceReader resolves live account balances
type BalanceReader interface {
	GetLiveBalance(ctx context.Context, accountID string) (*types.LiveAccountInfo, error)
}

// ExtensionLister reports the registered extensions
type ExtensionLister interface {
	Extensions() []string
	Failures() uint64
}

// Deps are the components the ops server reads from
type Deps struct {
	ChainID    string
	Store      storage.Reader
	Metrics    *metrics.Collector
	Balances   BalanceReader
	Extensions ExtensionLister
	// Gatherer serves /metrics; nil disables the route
	Gatherer prometheus.Gatherer
}

// Server is the ops HTTP server
type Server struct {
	config      *Config
	deps        Deps
	logger      *zap.Logger
	router      *chi.Mux
	server      *http.Server
	rateLimiter *apimiddleware.RateLimiter
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewServer creates an ops server. Start must be called to listen.
func NewServer(config *Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics collector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if config.EnableRateLimit {
		s.rateLimiter = apimiddleware.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(apimiddleware.AccessLog(s.logger))
	if s.rateLimiter != nil {
		s.router.Use(apimiddleware.RateLimit(s.rateLimiter, s.logger))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/indexer-status", s.handleIndexerStatus)
		r.Get("/extensions", s.handleExtensions)
		if s.deps.Balances != nil {
			r.Get("/accounts/{address}/balance", s.handleAccountBalance)
		}
	})

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.logger.Debug("ops routes registered",
		zap.Bool("balances", s.deps.Balances != nil),
		zap.Bool("metrics", s.deps.Gatherer != nil),
	)
}

// Start listens until Stop is called. It blocks.
func (s *Server) Start() error {
	if s.rateLimiter != nil {
		go s.rateLimiter.Run(s.ctx)
	}

	s.logger.Info("starting ops server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// Router returns the chi router, mainly for tests
func (s *Server) Router() *chi.Mux {
	return s.router
}
