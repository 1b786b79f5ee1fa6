package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/matching"
)

// MatchService answers findMatches queries. It only reads: no locks are
// taken and nothing is written except the trust read cache.
type MatchService struct {
	repos     domain.Repositories
	cache     domain.TrustCache
	ranker    *matching.Ranker
	poolLimit int
	now       func() time.Time
	logger    *slog.Logger
}

// NewMatchService creates a MatchService. poolLimit caps how many candidate
// bills are loaded per query; zero means no cap.
func NewMatchService(repos domain.Repositories, ranker *matching.Ranker, poolLimit int, logger *slog.Logger) *MatchService {
	return &MatchService{
		repos:     repos,
		ranker:    ranker,
		poolLimit: poolLimit,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithTrustCache reads trust through cache.
func (s *MatchService) WithTrustCache(cache domain.TrustCache) *MatchService {
	s.cache = cache
	return s
}

// WithClock replaces the wall clock.
func (s *MatchService) WithClock(now func() time.Time) *MatchService {
	s.now = now
	return s
}

// FindMatches ranks swap partners for userID's bill. "No matches yet" is an
// empty result, not an error.
func (s *MatchService) FindMatches(ctx context.Context, userID, billID string) (matching.Result, error) {
	bill, err := s.repos.Bills().GetByID(ctx, billID)
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: bill %s: %w", billID, err)
	}
	if bill.UserID != userID {
		return matching.Result{}, fmt.Errorf("match_service: bill %s: %w", billID, domain.ErrNotParticipant)
	}

	sched, err := s.repos.Schedules().Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return matching.Result{}, fmt.Errorf("match_service: user %s: %w", userID, domain.ErrScheduleMissing)
	}
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: schedule %s: %w", userID, err)
	}

	lo, hi := s.ranker.AmountWindow(bill.Amount)
	pool, err := s.repos.Bills().ListCandidates(ctx, domain.BillQuery{
		Category:      bill.Category,
		ExcludeUserID: userID,
		MinAmount:     lo,
		MaxAmount:     hi,
		Unlocked:      true,
		Limit:         s.poolLimit,
	})
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: candidate pool: %w", err)
	}

	userIDs := []string{userID}
	billIDs := make([]string, 0, len(pool))
	seen := map[string]bool{userID: true}
	for _, b := range pool {
		billIDs = append(billIDs, b.ID)
		if !seen[b.UserID] {
			seen[b.UserID] = true
			userIDs = append(userIDs, b.UserID)
		}
	}

	trust, err := s.trustFor(ctx, userIDs)
	if err != nil {
		return matching.Result{}, err
	}
	schedules, err := s.repos.Schedules().GetMany(ctx, userIDs)
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: schedules: %w", err)
	}
	// The pool query already skips locked bills; a proposal may have landed
	// since, so the ranker gets the current holders too.
	holders, err := s.repos.Locks().Holders(ctx, billIDs)
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: lock holders: %w", err)
	}

	parties := make([]matching.Party, 0, len(pool))
	for _, b := range pool {
		p := matching.Party{Bill: b, Trust: trust[b.UserID]}
		if sc, ok := schedules[b.UserID]; ok {
			p.Schedule = &sc
		}
		_, p.Locked = holders[b.ID]
		parties = append(parties, p)
	}

	req := matching.Party{Bill: bill, Trust: trust[userID], Schedule: &sched}
	res, err := s.ranker.Rank(s.now(), req, parties)
	if err != nil {
		return matching.Result{}, fmt.Errorf("match_service: rank: %w", err)
	}

	s.logger.DebugContext(ctx, "match_service: ranked candidates",
		slog.String("user_id", userID),
		slog.String("bill_id", billID),
		slog.Int("pool", len(pool)),
		slog.Int("ranked", len(res.Candidates)),
		slog.Int("excluded", len(res.Excluded)),
	)
	return res, nil
}

// trustFor reads trust through the cache when one is configured. Cache
// failures fall back to the store.
func (s *MatchService) trustFor(ctx context.Context, userIDs []string) (map[string]domain.TrustStatus, error) {
	out := make(map[string]domain.TrustStatus, len(userIDs))
	missing := userIDs

	if s.cache != nil {
		cached, err := s.cache.GetMany(ctx, userIDs)
		if err != nil {
			s.logger.WarnContext(ctx, "match_service: trust cache read failed", slog.String("error", err.Error()))
		} else {
			missing = missing[:0:0]
			for _, id := range userIDs {
				if t, ok := cached[id]; ok {
					out[id] = t
				} else {
					missing = append(missing, id)
				}
			}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := s.repos.Trust().GetMany(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("match_service: trust: %w", err)
	}
	fill := make([]domain.TrustStatus, 0, len(loaded))
	for id, t := range loaded {
		out[id] = t
		fill = append(fill, t)
	}
	if s.cache != nil && len(fill) > 0 {
		if err := s.cache.Set(ctx, fill...); err != nil {
			s.logger.WarnContext(ctx, "match_service: trust cache fill failed", slog.String("error", err.Error()))
		}
	}
	return out, nil
}
