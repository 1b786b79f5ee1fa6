package matching

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
)

var now = time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)

func builder(userID string) domain.TrustStatus {
	ts := domain.NewTrustStatus(userID)
	ts.SuccessfulSwaps = 3
	return ts
}

func bill(id, user string, cat domain.Category, amount int64, due int) domain.UserBill {
	return domain.UserBill{
		ID:       id,
		UserID:   user,
		Category: cat,
		Provider: "provider",
		Amount:   decimal.NewFromInt(amount),
		DueDay:   due,
	}
}

// userA is paid biweekly on Fridays, userB monthly on the 15th.
func scheduleA() *domain.PaydaySchedule {
	ref := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)
	return &domain.PaydaySchedule{UserID: "a", Cadence: domain.CadenceBiweekly, AnchorDays: []int{5}, Reference: &ref}
}

func scheduleB() *domain.PaydaySchedule {
	return &domain.PaydaySchedule{UserID: "b", Cadence: domain.CadenceMonthly, AnchorDays: []int{15}}
}

func TestEligibleBracket(t *testing.T) {
	floor := EligibleBracket(domain.NewTrustStatus("u"), nil)
	require.Equal(t, domain.TierStreamer, floor.Tier)
	require.True(t, floor.MaxAmount.Equal(decimal.NewFromInt(50)))
	require.True(t, floor.Allows(domain.CategoryElectric))
	require.False(t, floor.Allows(domain.CategoryRent))

	restricted := EligibleBracket(domain.NewTrustStatus("u"), []domain.Category{domain.CategoryGas, domain.CategoryRent})
	require.Equal(t, []domain.Category{domain.CategoryGas}, restricted.Categories())
}

func TestBracketCheck(t *testing.T) {
	floor := EligibleBracket(domain.NewTrustStatus("u"), nil)

	err := floor.Check(bill("b75", "x", domain.CategoryElectric, 75, 3))
	require.ErrorIs(t, err, domain.ErrIneligibleBill)
	var ie *domain.IneligibleBillError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "b75", ie.BillID)
	require.Contains(t, ie.Reason, "exceeds")

	err = floor.Check(bill("r", "x", domain.CategoryRent, 40, 1))
	require.ErrorIs(t, err, domain.ErrIneligibleBill)

	require.NoError(t, floor.Check(bill("ok", "x", domain.CategoryWater, 50, 1)))
}

func TestBufferScore(t *testing.T) {
	require.Equal(t, 0.0, BufferScore(-1))
	require.InDelta(t, 0.3, BufferScore(0), 1e-9)
	require.InDelta(t, 0.65, BufferScore(1), 1e-9)
	require.Equal(t, 1.0, BufferScore(2))
	require.Equal(t, 1.0, BufferScore(10))
	require.InDelta(t, 0.85, BufferScore(15), 1e-9)
	require.InDelta(t, 0.7, BufferScore(20), 1e-9)
	require.InDelta(t, 0.35, BufferScore(40), 1e-9)
}

func TestComplementarityScenario(t *testing.T) {
	score := Complementarity(*scheduleA(), 3, *scheduleB(), 20, now)
	require.Greater(t, score, 0.5)
	require.LessOrEqual(t, score, 1.0)

	// Swapping the roles scores the same pair of directions.
	require.InDelta(t, score, Complementarity(*scheduleB(), 20, *scheduleA(), 3, now), 1e-9)
}

func TestComplementarityBounds(t *testing.T) {
	same := domain.PaydaySchedule{Cadence: domain.CadenceMonthly, AnchorDays: []int{1}}
	// Paid on the 1st with bills due on the 1st: zero-day buffers.
	got := Complementarity(same, 1, same, 1, now)
	require.GreaterOrEqual(t, got, 0.0)
	require.LessOrEqual(t, got, 1.0)
	require.InDelta(t, 0.3, got, 1e-9)
}

func TestRankScenario(t *testing.T) {
	r := NewRanker(DefaultConfig())
	req := Party{Bill: bill("ba", "a", domain.CategoryElectric, 60, 3), Trust: builder("a"), Schedule: scheduleA()}
	pool := []Party{
		{Bill: bill("bb", "b", domain.CategoryElectric, 55, 20), Trust: builder("b"), Schedule: scheduleB()},
	}

	res, err := r.Rank(now, req, pool)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	require.Equal(t, "b", c.UserID)
	require.Greater(t, c.Complementarity, 0.5)
	require.InDelta(t, 1-5.0/60.0, c.AmountCloseness, 1e-9)
	require.InDelta(t, 0.5*c.Complementarity+0.3*c.AmountCloseness+0.2, c.Score, 1e-9)
}

func TestRankExcludesIneligibleForFloorTier(t *testing.T) {
	// A floor-tier requester with a $60 bill would itself be ineligible, so
	// the requester's bill here is $50 and the candidate is $75 with a 50%
	// tolerance so only eligibility can exclude it.
	cfg := DefaultConfig()
	cfg.AmountTolerance = 0.5
	r := NewRanker(cfg)

	req := Party{Bill: bill("ra", "a", domain.CategoryElectric, 50, 3), Trust: domain.NewTrustStatus("a"), Schedule: scheduleA()}
	pool := []Party{
		{Bill: bill("c75", "c", domain.CategoryElectric, 75, 20), Trust: builder("c"), Schedule: scheduleB()},
	}

	res, err := r.Rank(now, req, pool)
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Len(t, res.Excluded, 1)
	require.Equal(t, "c75", res.Excluded[0].BillID)
	require.ErrorIs(t, res.Excluded[0].Err, domain.ErrIneligibleBill)
}

func TestRankRequesterErrors(t *testing.T) {
	r := NewRanker(DefaultConfig())

	_, err := r.Rank(now, Party{Bill: bill("ba", "a", domain.CategoryElectric, 40, 3), Trust: builder("a")}, nil)
	require.ErrorIs(t, err, domain.ErrScheduleMissing)

	_, err = r.Rank(now, Party{Bill: bill("ba", "a", domain.CategoryElectric, 60, 3), Trust: domain.NewTrustStatus("a"), Schedule: scheduleA()}, nil)
	require.ErrorIs(t, err, domain.ErrIneligibleBill)
}

func TestRankSymmetryAndFilters(t *testing.T) {
	r := NewRanker(DefaultConfig())
	req := Party{Bill: bill("ba", "a", domain.CategoryElectric, 60, 3), Trust: builder("a"), Schedule: scheduleA()}
	pool := []Party{
		{Bill: bill("own", "a", domain.CategoryElectric, 60, 10), Trust: builder("a"), Schedule: scheduleA()},
		{Bill: bill("locked", "b", domain.CategoryElectric, 60, 20), Trust: builder("b"), Schedule: scheduleB(), Locked: true},
		{Bill: bill("gas", "c", domain.CategoryGas, 60, 20), Trust: builder("c"), Schedule: scheduleB()},
		{Bill: bill("far", "d", domain.CategoryElectric, 100, 20), Trust: builder("d"), Schedule: scheduleB()},
		{Bill: bill("nosched", "e", domain.CategoryElectric, 60, 20), Trust: builder("e")},
		{Bill: bill("good", "f", domain.CategoryElectric, 58, 20), Trust: builder("f"), Schedule: scheduleB()},
	}

	res, err := r.Rank(now, req, pool)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "good", res.Candidates[0].BillID)

	require.Len(t, res.Excluded, 1)
	require.Equal(t, "nosched", res.Excluded[0].BillID)
	require.ErrorIs(t, res.Excluded[0].Err, domain.ErrScheduleMissing)
}

func TestRankOrderingAndTopN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopN = 2
	r := NewRanker(cfg)
	req := Party{Bill: bill("ba", "a", domain.CategoryElectric, 60, 3), Trust: builder("a"), Schedule: scheduleA()}

	slow := builder("slow")
	slow.AvgResponseSeconds = 600
	fast := builder("fast")
	fast.AvgResponseSeconds = 30
	low := builder("low")
	low.AverageRating = 1

	pool := []Party{
		{Bill: bill("b-slow", "slow", domain.CategoryElectric, 60, 20), Trust: slow, Schedule: scheduleB()},
		{Bill: bill("b-fast", "fast", domain.CategoryElectric, 60, 20), Trust: fast, Schedule: scheduleB()},
		{Bill: bill("b-low", "low", domain.CategoryElectric, 60, 20), Trust: low, Schedule: scheduleB()},
	}

	res, err := r.Rank(now, req, pool)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	require.Equal(t, "b-fast", res.Candidates[0].BillID, "equal scores break ties on latency")
	require.Equal(t, "b-slow", res.Candidates[1].BillID)
}

func TestRankEmptyPool(t *testing.T) {
	r := NewRanker(DefaultConfig())
	req := Party{Bill: bill("ba", "a", domain.CategoryElectric, 60, 3), Trust: builder("a"), Schedule: scheduleA()}
	res, err := r.Rank(now, req, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Candidates)
	require.Empty(t, res.Candidates)
}

func TestAmountCloseness(t *testing.T) {
	require.InDelta(t, 1.0, AmountCloseness(decimal.NewFromInt(10), decimal.NewFromInt(10)), 1e-9)
	require.InDelta(t, 0.5, AmountCloseness(decimal.NewFromInt(50), decimal.NewFromInt(100)), 1e-9)
	require.Equal(t, 0.0, AmountCloseness(decimal.Zero, decimal.Zero))
}
