package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
)

func TestPropose_LocksBillsAndAutoAccepts(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)

	sw, err := f.swaps.Propose(context.Background(), "a", "a1", "b", "b1")
	require.NoError(t, err)
	require.Equal(t, domain.SwapProposed, sw.Status)
	require.Equal(t, int64(1), sw.Version)
	require.Equal(t, "115.00", sw.TotalValue.StringFixed(2))
	require.NotNil(t, sw.ExpiresAt)
	require.Equal(t, t0.Add(48*time.Hour), *sw.ExpiresAt)
	require.NotNil(t, sw.Initiator.AcceptedAt)
	require.Nil(t, sw.Partner.AcceptedAt)

	require.Equal(t, map[string]string{"a1": sw.ID, "b1": sw.ID}, f.holders(t, "a1", "b1"))
	require.Equal(t, 1, f.bus.count(domain.ChannelSwaps))
	require.Len(t, f.bus.streamed, 1)
}

func TestPropose_Validation(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	f.seedUser(t, "c", "c1", 45, 10, 0)
	ctx := context.Background()

	_, err := f.swaps.Propose(ctx, "a", "a1", "a", "b1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.swaps.Propose(ctx, "b", "a1", "a", "b1")
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = f.swaps.Propose(ctx, "a", "a1", "c", "b1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	// c is at the floor tier; a's $60 bill exceeds c's bracket.
	_, err = f.swaps.Propose(ctx, "a", "a1", "c", "c1")
	require.ErrorIs(t, err, domain.ErrIneligibleBill)
	require.Equal(t, domain.KindValidation, domain.ErrorKind(err))

	require.Empty(t, f.holders(t, "a1", "b1", "c1"))
}

func TestPropose_ConcurrentOnSameBill(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	f.seedUser(t, "c", "c1", 58, 12, 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	proposers := [][2]string{{"a", "a1"}, {"c", "c1"}}
	for i, p := range proposers {
		wg.Add(1)
		go func(i int, user, bill string) {
			defer wg.Done()
			_, errs[i] = f.swaps.Propose(context.Background(), user, bill, "b", "b1")
		}(i, p[0], p[1])
	}
	wg.Wait()

	var ok, locked int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrBillAlreadyLocked):
			locked++
			require.Equal(t, domain.KindConcurrency, domain.ErrorKind(err))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, locked)

	swaps, err := f.swaps.List(context.Background(), "b", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, swaps, 1)
}

func TestSwapLifecycle_CompleteAwardsTrust(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	sw, err = f.swaps.Respond(ctx, ref(sw), "b", true)
	require.NoError(t, err)
	require.Equal(t, domain.SwapAccepted, sw.Status)
	require.Equal(t, int64(2), sw.Version)
	require.Equal(t, t0.Add(25*time.Hour), *sw.ExpiresAt)

	sw, err = f.swaps.BeginExecution(ctx, ref(sw))
	require.NoError(t, err)
	require.Equal(t, domain.SwapExecuting, sw.Status)
	require.Nil(t, sw.ExpiresAt)
	// Next due dates after 2025-03-04 are 2025-04-03 and 2025-03-20.
	require.Equal(t, time.Date(2025, time.April, 3, 0, 0, 0, 0, time.UTC), *sw.ExecutionEnd)

	sw, err = f.swaps.Complete(ctx, ref(sw))
	require.NoError(t, err)
	require.Equal(t, domain.SwapCompleted, sw.Status)
	require.Equal(t, domain.ReasonCompleted, sw.TerminalReason)
	require.NotNil(t, sw.ResolvedAt)
	require.Equal(t, int64(11), sw.Initiator.PointsAwarded)
	require.Equal(t, int64(11), sw.Partner.PointsAwarded)
	require.Empty(t, f.holders(t, "a1", "b1"))

	a := f.trust(t, "a")
	require.Equal(t, 4, a.SuccessfulSwaps)
	require.Equal(t, int64(11), a.TrustPoints)
	require.Equal(t, 0, a.ResponseSamples)

	b := f.trust(t, "b")
	require.Equal(t, 4, b.SuccessfulSwaps)
	require.Equal(t, int64(11), b.TrustPoints)
	require.Equal(t, 1, b.ResponseSamples)
	require.InDelta(t, 3600, b.AvgResponseSeconds, 1e-9)

	require.ElementsMatch(t, []string{"a", "b"}, f.cache.invalidated)
	require.Equal(t, 2, f.bus.count(domain.ChannelTrust))
}

func TestSwap_StaleVersion(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)

	_, err = f.swaps.Respond(ctx, domain.SwapRef{ID: sw.ID, Version: sw.Version + 4}, "b", true)
	require.ErrorIs(t, err, domain.ErrStaleVersion)
	require.Equal(t, domain.KindConcurrency, domain.ErrorKind(err))

	got, err := f.swaps.Get(ctx, sw.ID, "b")
	require.NoError(t, err)
	require.Equal(t, sw.Version, got.Version)
	require.Nil(t, got.Partner.AcceptedAt)
}

func TestSwap_InvalidTransitions(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)

	_, err = f.swaps.Complete(ctx, ref(sw))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, domain.KindState, domain.ErrorKind(err))

	// Under the mutual policy the partner has not accepted yet.
	_, err = f.swaps.BeginExecution(ctx, ref(sw))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The initiator accepted at proposal time.
	_, err = f.swaps.Respond(ctx, ref(sw), "a", true)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.swaps.Dispute(ctx, ref(sw), "a", "late payment")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.swaps.Cancel(ctx, ref(sw), "z")
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = f.swaps.Get(ctx, sw.ID, "z")
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	sw, err = f.swaps.Respond(ctx, ref(sw), "b", false)
	require.NoError(t, err)
	require.Equal(t, domain.SwapDeclined, sw.Status)
	require.Equal(t, "b", sw.DeclinedBy)
	require.Empty(t, f.holders(t, "a1", "b1"))

	_, err = f.swaps.Cancel(ctx, ref(sw), "a")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSwap_AcceptEitherPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.Acceptance = AcceptEither
	f := newFixture(t, p)
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	require.NotNil(t, sw.Initiator.AcceptedAt)

	// The proposal is the initiator's acceptance; they cannot accept again
	// and execution waits for the partner.
	_, err = f.swaps.Respond(ctx, ref(sw), "a", true)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.swaps.BeginExecution(ctx, ref(sw))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	sw, err = f.swaps.Respond(ctx, ref(sw), "b", true)
	require.NoError(t, err)
	require.Equal(t, domain.SwapAccepted, sw.Status)

	sw, err = f.swaps.BeginExecution(ctx, ref(sw))
	require.NoError(t, err)
	require.Equal(t, domain.SwapExecuting, sw.Status)
}

func TestSwap_MutualWithoutAutoAccept(t *testing.T) {
	p := DefaultPolicy()
	p.ProposerAutoAccept = false
	f := newFixture(t, p)
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	require.Nil(t, sw.Initiator.AcceptedAt)

	sw, err = f.swaps.Respond(ctx, ref(sw), "b", true)
	require.NoError(t, err)
	require.Equal(t, domain.SwapProposed, sw.Status)

	sw, err = f.swaps.Respond(ctx, ref(sw), "a", true)
	require.NoError(t, err)
	require.Equal(t, domain.SwapAccepted, sw.Status)
}

func TestSwap_TransitionsRequireVersion(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	sw, err = f.swaps.Respond(ctx, ref(sw), "b", true)
	require.NoError(t, err)

	// a still holds the version-1 view; an unversioned cancel must not
	// slip past the partner's acceptance.
	unversioned := domain.SwapRef{ID: sw.ID}
	_, err = f.swaps.Cancel(ctx, unversioned, "a")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.swaps.BeginExecution(ctx, unversioned)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.swaps.Respond(ctx, unversioned, "b", false)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.swaps.Cancel(ctx, domain.SwapRef{ID: sw.ID, Version: 1}, "a")
	require.ErrorIs(t, err, domain.ErrStaleVersion)

	got, err := f.swaps.Get(ctx, sw.ID, "a")
	require.NoError(t, err)
	require.Equal(t, domain.SwapAccepted, got.Status)
	require.Equal(t, sw.Version, got.Version)
}

func TestExpire(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)

	f.clock.Advance(47 * time.Hour)
	_, err = f.swaps.Expire(ctx, sw.ID)
	require.ErrorIs(t, err, domain.ErrNotExpired)

	f.clock.Advance(2 * time.Hour)
	expired, err := f.swaps.Expire(ctx, sw.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SwapDeclined, expired.Status)
	require.Equal(t, domain.ReasonExpired, expired.TerminalReason)
	require.Nil(t, expired.ExpiresAt)
	require.Empty(t, f.holders(t, "a1", "b1"))

	before := f.trust(t, "a")
	again, err := f.swaps.Expire(ctx, sw.ID)
	require.NoError(t, err)
	require.Equal(t, expired.Version, again.Version)
	require.Equal(t, expired.Status, again.Status)
	require.Equal(t, before, f.trust(t, "a"))
	require.Equal(t, 2, f.bus.count(domain.ChannelSwaps))
}

func TestExpire_AcceptedBecomesCancelled(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	sw, err = f.swaps.Respond(ctx, ref(sw), "b", true)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	sw, err = f.swaps.Expire(ctx, sw.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SwapCancelled, sw.Status)
	require.Equal(t, domain.ReasonExpired, sw.TerminalReason)
	require.Equal(t, domain.DefaultRating, f.trust(t, "a").AverageRating)
	require.Equal(t, domain.DefaultRating, f.trust(t, "b").AverageRating)
}

func TestExpire_DeclinedSwapIsNotExpirable(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	_, err = f.swaps.Respond(ctx, ref(sw), "b", false)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	_, err = f.swaps.Expire(ctx, sw.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel_DuringExecutionPenalizesCanceller(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)

	sw := f.executing(t)
	sw, err := f.swaps.Cancel(context.Background(), ref(sw), "b")
	require.NoError(t, err)
	require.Equal(t, domain.SwapCancelled, sw.Status)
	require.Equal(t, "b", sw.CancelledBy)
	require.Equal(t, "b", sw.PenalizedUserID)
	require.Empty(t, f.holders(t, "a1", "b1"))

	require.InDelta(t, 4.75, f.trust(t, "b").AverageRating, 1e-9)
	require.Equal(t, domain.DefaultRating, f.trust(t, "a").AverageRating)
	require.Equal(t, 3, f.trust(t, "b").SuccessfulSwaps)
}

func TestCancel_BeforeExecutionIsFree(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	sw, err = f.swaps.Cancel(ctx, ref(sw), "a")
	require.NoError(t, err)
	require.Equal(t, domain.SwapCancelled, sw.Status)
	require.Empty(t, sw.PenalizedUserID)
	require.Equal(t, domain.DefaultRating, f.trust(t, "a").AverageRating)
}

func TestConfirmCycle(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw := f.executing(t)
	sw, err := f.swaps.ConfirmCycle(ctx, ref(sw), "a")
	require.NoError(t, err)
	require.Equal(t, domain.SwapExecuting, sw.Status)
	require.NotNil(t, sw.Initiator.ConfirmedAt)

	_, err = f.swaps.ConfirmCycle(ctx, ref(sw), "a")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	sw, err = f.swaps.ConfirmCycle(ctx, ref(sw), "b")
	require.NoError(t, err)
	require.Equal(t, domain.SwapCompleted, sw.Status)
	require.Equal(t, 4, f.trust(t, "a").SuccessfulSwaps)
	require.Equal(t, 4, f.trust(t, "b").SuccessfulSwaps)
}

func TestDispute_ResolveComplete(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw := f.executing(t)
	_, err := f.swaps.Dispute(ctx, ref(sw), "a", "  ")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	sw, err = f.swaps.Dispute(ctx, ref(sw), "a", "payment bounced")
	require.NoError(t, err)
	require.Equal(t, domain.SwapDisputed, sw.Status)
	require.Equal(t, "a", sw.DisputedBy)
	require.Len(t, f.holders(t, "a1", "b1"), 2)

	_, err = f.swaps.ResolveDispute(ctx, ref(sw), DisputeOutcome("maybe"), "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	sw, err = f.swaps.ResolveDispute(ctx, ref(sw), DisputeComplete, "")
	require.NoError(t, err)
	require.Equal(t, domain.SwapCompleted, sw.Status)
	require.Equal(t, domain.ReasonDisputeCompleted, sw.TerminalReason)
	require.Equal(t, int64(5), sw.Initiator.PointsAwarded)
	require.Equal(t, int64(5), f.trust(t, "b").TrustPoints)
	require.Equal(t, 4, f.trust(t, "b").SuccessfulSwaps)
	require.Empty(t, f.holders(t, "a1", "b1"))
}

func TestDispute_ResolveCancelPenalizes(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw := f.executing(t)
	sw, err := f.swaps.Dispute(ctx, ref(sw), "a", "payment bounced")
	require.NoError(t, err)

	_, err = f.swaps.ResolveDispute(ctx, ref(sw), DisputeCancel, "z")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	sw, err = f.swaps.ResolveDispute(ctx, ref(sw), DisputeCancel, "b")
	require.NoError(t, err)
	require.Equal(t, domain.SwapCancelled, sw.Status)
	require.Equal(t, domain.ReasonDisputeCancelled, sw.TerminalReason)
	require.Equal(t, "b", sw.PenalizedUserID)
	require.InDelta(t, 4.75, f.trust(t, "b").AverageRating, 1e-9)
	require.Equal(t, int64(0), f.trust(t, "a").TrustPoints)
}

func TestLateDeclinePenalty(t *testing.T) {
	p := DefaultPolicy()
	p.LateDeclineRatingPenalty = 0.1
	f := newFixture(t, p)
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	f.seedUser(t, "c", "c1", 58, 12, 3)
	ctx := context.Background()

	early, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	_, err = f.swaps.Respond(ctx, ref(early), "b", false)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultRating, f.trust(t, "b").AverageRating)

	late, err := f.swaps.Propose(ctx, "c", "c1", "b", "b1")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Hour)
	_, err = f.swaps.Respond(ctx, ref(late), "b", false)
	require.NoError(t, err)
	require.InDelta(t, 4.9, f.trust(t, "b").AverageRating, 1e-9)
}

func TestList_FiltersByStatus(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.seedUser(t, "a", "a1", 60, 3, 3)
	f.seedUser(t, "b", "b1", 55, 20, 3)
	ctx := context.Background()

	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	_, err = f.swaps.Respond(ctx, ref(sw), "b", false)
	require.NoError(t, err)
	_, err = f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)

	active, err := f.swaps.List(ctx, "a", domain.ListOpts{Statuses: domain.NonTerminalStatuses()})
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, err := f.swaps.List(ctx, "a", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}
