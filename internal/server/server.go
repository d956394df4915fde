package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/server/handler"
	"github.com/BB13/algobot-public/internal/server/middleware"
	"github.com/BB13/algobot-public/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// RateLimiter, when set, limits every client IP to RateLimit requests
	// per RateLimitWindow.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Signals   *handler.SignalHandler
	Positions *handler.PositionHandler
	Ops       *handler.OpsHandler
	Outcomes  *handler.OutcomeHandler
}

// Server is the HTTP + WebSocket API of the bot.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// The webhook, health and metrics routes sit outside the API-key middleware:
// the webhook authenticates itself (it also accepts the key in the body) and
// the other two serve liveness checks and scrapers.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	api.HandleFunc("GET /api/positions/history", handlers.Positions.History)
	api.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	api.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	api.HandleFunc("POST /api/positions/close-all", handlers.Positions.CloseAll)
	api.HandleFunc("GET /api/stats", handlers.Positions.Stats)
	api.HandleFunc("POST /api/safety/scan", handlers.Ops.Scan)
	api.HandleFunc("POST /api/reconcile", handlers.Ops.Reconcile)
	api.HandleFunc("GET /api/outcomes", handlers.Outcomes.ListOutcomes)
	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/signals", handlers.Signals.HandleSignal)
	mux.Handle("/", middleware.Auth(cfg.APIKey)(api))

	var h http.Handler = mux
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
