package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/billix/billswap/internal/blob/s3"
	"github.com/billix/billswap/internal/matching"
	"github.com/billix/billswap/internal/pipeline"
	"github.com/billix/billswap/internal/server"
	"github.com/billix/billswap/internal/server/handler"
	"github.com/billix/billswap/internal/server/ws"
	"github.com/billix/billswap/internal/service"
)

const shutdownTimeout = 10 * time.Second

// services are the engine's application services, shared by every mode.
type services struct {
	swaps     *service.SwapService
	matches   *service.MatchService
	portfolio *service.PortfolioService
}

func (a *App) buildServices(deps *Dependencies) (*services, error) {
	e := a.cfg.Engine
	policy := service.Policy{
		ProposalTTL:              e.ProposalTTL.Duration,
		AcceptanceTTL:            e.AcceptanceTTL.Duration,
		Acceptance:               service.AcceptancePolicy(strings.ToLower(e.AcceptancePolicy)),
		ProposerAutoAccept:       e.ProposerAutoAccept,
		DisputeCreditRatio:       e.DisputeCreditRatio,
		CancelRatingPenalty:      e.CancelRatingPenalty,
		LateDeclineRatingPenalty: e.LateDeclineRatingPenalty,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	categories := e.Categories()

	swapLogger := a.logger.With(slog.String("component", "swap_service"))
	trust := service.NewTrustUpdater(policy, swapLogger)
	swaps := service.NewSwapService(deps.Store, trust, policy, categories, swapLogger)

	ranker := matching.NewRanker(matching.Config{
		AmountTolerance: e.AmountTolerance,
		TopN:            e.TopN,
		Weights: matching.Weights{
			Complementarity: e.WeightComplementarity,
			Amount:          e.WeightAmount,
			Rating:          e.WeightRating,
		},
		SwappableCategories: categories,
	})
	matches := service.NewMatchService(deps.Store, ranker, e.CandidatePoolLimit,
		a.logger.With(slog.String("component", "match_service")))

	if deps.SignalBus != nil {
		swaps = swaps.WithSignalBus(deps.SignalBus)
	}
	if deps.TrustCache != nil {
		swaps = swaps.WithTrustCache(deps.TrustCache)
		matches = matches.WithTrustCache(deps.TrustCache)
	}

	portfolio := service.NewPortfolioService(deps.Store, categories,
		a.logger.With(slog.String("component", "portfolio_service")))

	return &services{swaps: swaps, matches: matches, portfolio: portfolio}, nil
}

// ServerMode serves the HTTP API and, with Redis, the websocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svcs, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// SweeperMode runs only the background jobs: swap expiry and archival.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")

	svcs, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("sweeper mode: %w", err)
	}
	return a.newOrchestrator(deps, svcs).Run(ctx)
}

// FullMode runs the HTTP API and the background jobs in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	orch := a.newOrchestrator(deps, svcs)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}
	return g.Wait()
}

func (a *App) newOrchestrator(deps *Dependencies, svcs *services) *pipeline.Orchestrator {
	logger := a.logger.With(slog.String("component", "pipeline"))

	sweeper := pipeline.NewSweeper(
		deps.Store.Swaps(),
		svcs.swaps,
		a.cfg.Sweeper.Interval.Duration,
		a.cfg.Sweeper.BatchSize,
		logger,
	)
	if deps.LockManager != nil {
		sweeper = sweeper.WithLeaderLock(deps.LockManager, a.cfg.Sweeper.LockTTL.Duration)
	} else {
		logger.Warn("app: redis disabled, run a single sweeper")
	}

	var archive *pipeline.ArchiveJob
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archive = pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, logger)
	}
	return pipeline.NewOrchestrator(sweeper, archive, a.cfg.Archive.Cron, logger)
}

// startHTTPServer adds the HTTP server, its graceful shutdown and the
// websocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	logger := a.logger.With(slog.String("component", "http"))

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, logger),
		Matches:   handler.NewMatchHandler(svcs.matches, logger),
		Swaps:     handler.NewSwapHandler(svcs.swaps, logger),
		Portfolio: handler.NewPortfolioHandler(svcs.portfolio, logger),
		Admin:     handler.NewAdminHandler(deps.Store.Audit(), deps.BlobReader, s3blob.ArchivePrefix, logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, logger.With(slog.String("component", "ws")))
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		JWTSecret:          a.cfg.Auth.JWTSecret,
		JWTIssuer:          a.cfg.Auth.Issuer,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.RateLimiter, hub, logger)

	if a.cfg.Auth.JWTSecret == "" {
		logger.Warn("app: auth.jwt_secret empty, trusting X-User-ID headers")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
