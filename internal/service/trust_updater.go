package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billix/billswap/internal/domain"
)

var pointDivisor = decimal.NewFromInt(10)

// PointsFor sizes the trust award for a completed swap: one point per ten
// units of total value, at least one.
func PointsFor(totalValue decimal.Decimal) int64 {
	p := totalValue.Div(pointDivisor).Floor().IntPart()
	if p < 1 {
		return 1
	}
	return p
}

// TrustUpdater is the only writer of TrustStatus. It runs inside the
// transaction that moves a swap to a terminal status, so the swap and both
// trust rows commit or roll back together.
type TrustUpdater struct {
	policy Policy
	logger *slog.Logger
}

// NewTrustUpdater creates a TrustUpdater.
func NewTrustUpdater(policy Policy, logger *slog.Logger) *TrustUpdater {
	return &TrustUpdater{policy: policy, logger: logger}
}

// ApplyOutcome updates both participants' trust for a swap that just reached
// a terminal status from status from. It records awarded points and any
// penalized user on sw. It returns one event per changed trust row.
func (u *TrustUpdater) ApplyOutcome(
	ctx context.Context,
	repos domain.Repositories,
	sw *domain.Swap,
	from domain.SwapStatus,
	now time.Time,
) ([]domain.TrustEvent, error) {
	if !sw.Status.Terminal() {
		return nil, fmt.Errorf("trust_updater: swap %s is %s, not terminal", sw.ID, sw.Status)
	}

	switch sw.Status {
	case domain.SwapCompleted:
		return u.applyCompleted(ctx, repos, sw, now)

	case domain.SwapCancelled:
		penalized := ""
		switch {
		case from == domain.SwapExecuting && sw.CancelledBy != "":
			penalized = sw.CancelledBy
		case sw.TerminalReason == domain.ReasonDisputeCancelled:
			penalized = sw.PenalizedUserID
		}
		return u.applyPenalty(ctx, repos, sw, penalized, u.policy.CancelRatingPenalty, now)

	case domain.SwapDeclined:
		if sw.TerminalReason != domain.ReasonDeclined || sw.DeclinedBy == "" {
			return nil, nil
		}
		if now.Sub(sw.CreatedAt) < u.policy.ProposalTTL/2 {
			return nil, nil
		}
		return u.applyPenalty(ctx, repos, sw, sw.DeclinedBy, u.policy.LateDeclineRatingPenalty, now)
	}
	return nil, nil
}

func (u *TrustUpdater) applyCompleted(ctx context.Context, repos domain.Repositories, sw *domain.Swap, now time.Time) ([]domain.TrustEvent, error) {
	points := PointsFor(sw.TotalValue)
	if sw.TerminalReason == domain.ReasonDisputeCompleted {
		points = partialCredit(points, u.policy.DisputeCreditRatio)
	}

	events := make([]domain.TrustEvent, 0, 2)
	for _, p := range []*domain.Participant{&sw.Initiator, &sw.Partner} {
		latency, hasLatency := u.responseLatency(*sw, *p)

		ev, err := u.update(ctx, repos, p.UserID, sw.ID, now, func(t *domain.TrustStatus) {
			t.SuccessfulSwaps++
			t.TrustPoints += points
			if hasLatency {
				n := float64(t.ResponseSamples)
				t.AvgResponseSeconds = (t.AvgResponseSeconds*n + latency) / (n + 1)
				t.ResponseSamples++
			}
		})
		if err != nil {
			return nil, err
		}
		p.PointsAwarded = points
		ev.PointsAwarded = points
		events = append(events, ev)
	}
	return events, nil
}

func (u *TrustUpdater) applyPenalty(
	ctx context.Context,
	repos domain.Repositories,
	sw *domain.Swap,
	userID string,
	penalty float64,
	now time.Time,
) ([]domain.TrustEvent, error) {
	if userID == "" || penalty <= 0 || !sw.Involves(userID) {
		return nil, nil
	}
	ev, err := u.update(ctx, repos, userID, sw.ID, now, func(t *domain.TrustStatus) {
		t.AverageRating = math.Max(0, t.AverageRating-penalty)
	})
	if err != nil {
		return nil, err
	}
	sw.PenalizedUserID = userID
	return []domain.TrustEvent{ev}, nil
}

// update runs fn as a read-modify-write of one trust row, guarded by the
// row version.
func (u *TrustUpdater) update(
	ctx context.Context,
	repos domain.Repositories,
	userID, swapID string,
	now time.Time,
	fn func(t *domain.TrustStatus),
) (domain.TrustEvent, error) {
	cur, err := repos.Trust().Get(ctx, userID)
	if err != nil {
		return domain.TrustEvent{}, fmt.Errorf("trust_updater: get %s: %w", userID, err)
	}
	prevTier := cur.Tier()

	next := cur
	fn(&next)
	next.UpdatedAt = now

	saved, err := repos.Trust().Save(ctx, next)
	if err != nil {
		return domain.TrustEvent{}, fmt.Errorf("trust_updater: save %s: %w", userID, err)
	}

	if saved.Tier() != prevTier {
		u.logger.InfoContext(ctx, "trust_updater: tier changed",
			slog.String("user_id", userID),
			slog.String("from", prevTier.String()),
			slog.String("to", saved.Tier().String()),
			slog.Int("successful_swaps", saved.SuccessfulSwaps),
		)
	}

	return domain.TrustEvent{
		UserID:          userID,
		SwapID:          swapID,
		SuccessfulSwaps: saved.SuccessfulSwaps,
		TrustPoints:     saved.TrustPoints,
		AverageRating:   saved.AverageRating,
		Tier:            saved.Tier(),
		PreviousTier:    prevTier,
		At:              now,
	}, nil
}

// responseLatency is how long p took to accept the proposal. Acceptances
// recorded at proposal time carry no signal and are skipped.
func (u *TrustUpdater) responseLatency(sw domain.Swap, p domain.Participant) (float64, bool) {
	if p.AcceptedAt == nil || !p.AcceptedAt.After(sw.CreatedAt) {
		return 0, false
	}
	return p.AcceptedAt.Sub(sw.CreatedAt).Seconds(), true
}

func partialCredit(points int64, ratio float64) int64 {
	if ratio <= 0 {
		return 0
	}
	p := int64(math.Floor(float64(points) * ratio))
	if p < 1 {
		return 1
	}
	return p
}
