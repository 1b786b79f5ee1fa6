// Package server exposes the swap engine over HTTP and a websocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/server/handler"
	"github.com/billix/billswap/internal/server/middleware"
	"github.com/billix/billswap/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// JWTSecret empty trusts the X-User-ID header instead of bearer tokens.
	JWTSecret          string
	JWTIssuer          string
	RateLimitPerMinute int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Matches   *handler.MatchHandler
	Swaps     *handler.SwapHandler
	Portfolio *handler.PortfolioHandler
	Admin     *handler.AdminHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. The
// limiter and hub may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, hub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, limiter, hub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes returns the complete handler tree.
func Routes(cfg Config, h Handlers, limiter domain.RateLimiter, hub *ws.Hub, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/bills", h.Portfolio.ListBills)
	api.HandleFunc("POST /api/bills", h.Portfolio.CreateBill)
	api.HandleFunc("PUT /api/bills/{id}", h.Portfolio.UpdateBill)
	api.HandleFunc("DELETE /api/bills/{id}", h.Portfolio.DeleteBill)
	api.HandleFunc("GET /api/bills/{id}/matches", h.Matches.FindMatches)
	api.HandleFunc("GET /api/schedule", h.Portfolio.GetSchedule)
	api.HandleFunc("PUT /api/schedule", h.Portfolio.SetSchedule)
	api.HandleFunc("GET /api/trust", h.Portfolio.Trust)

	api.HandleFunc("GET /api/swaps", h.Swaps.List)
	api.HandleFunc("POST /api/swaps", h.Swaps.Propose)
	api.HandleFunc("GET /api/swaps/{id}", h.Swaps.Get)
	api.HandleFunc("POST /api/swaps/{id}/respond", h.Swaps.Respond)
	api.HandleFunc("POST /api/swaps/{id}/begin", h.Swaps.Begin)
	api.HandleFunc("POST /api/swaps/{id}/complete", h.Swaps.Complete)
	api.HandleFunc("POST /api/swaps/{id}/confirm", h.Swaps.Confirm)
	api.HandleFunc("POST /api/swaps/{id}/dispute", h.Swaps.Dispute)
	api.HandleFunc("POST /api/swaps/{id}/resolve", h.Swaps.Resolve)
	api.HandleFunc("POST /api/swaps/{id}/cancel", h.Swaps.Cancel)
	api.HandleFunc("POST /api/swaps/{id}/expire", h.Swaps.Expire)

	if h.Admin != nil {
		api.HandleFunc("GET /api/admin/audit", h.Admin.Audit)
		api.HandleFunc("GET /api/admin/archives", h.Admin.Archives)
	}
	if hub != nil {
		api.HandleFunc("GET /ws", hub.HandleWS)
	}

	var authed http.Handler = api
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		authed = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(authed)
	}
	authed = middleware.Identity(cfg.JWTSecret, cfg.JWTIssuer)(authed)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", h.Health.HealthCheck)
	root.Handle("/", authed)

	var out http.Handler = root
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
