package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billix/billswap/internal/domain"
)

// Weights combine the sub-scores into the composite rank score.
type Weights struct {
	Complementarity float64
	Amount          float64
	Rating          float64
}

// Config tunes the ranker.
type Config struct {
	// AmountTolerance is the allowed relative distance from the requester's
	// amount, e.g. 0.25 for +/-25%.
	AmountTolerance float64
	TopN            int
	Weights         Weights
	// SwappableCategories is the global category policy. Empty allows all.
	SwappableCategories []domain.Category
}

// DefaultConfig returns the stock ranking parameters.
func DefaultConfig() Config {
	return Config{
		AmountTolerance: 0.25,
		TopN:            20,
		Weights: Weights{
			Complementarity: 0.5,
			Amount:          0.3,
			Rating:          0.2,
		},
	}
}

// Party is one side of a prospective match: a bill with its owner's trust
// and payday schedule. A nil Schedule means the owner has not configured one.
type Party struct {
	Bill     domain.UserBill
	Trust    domain.TrustStatus
	Schedule *domain.PaydaySchedule
	// Locked marks a bill already held by a non-terminal swap.
	Locked bool
}

// Exclusion records a pool bill that survived the coarse filter but could
// not be ranked.
type Exclusion struct {
	BillID string
	UserID string
	Err    error
}

// Result is the outcome of one ranking query.
type Result struct {
	Candidates []domain.MatchCandidate
	Excluded   []Exclusion
}

// Ranker orders candidate bills for a requester's bill.
type Ranker struct {
	cfg Config
}

// NewRanker creates a Ranker, filling unset fields from DefaultConfig.
func NewRanker(cfg Config) *Ranker {
	def := DefaultConfig()
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Ranker{cfg: cfg}
}

// Config returns the effective configuration.
func (r *Ranker) Config() Config {
	return r.cfg
}

// AmountWindow returns the inclusive amount range a candidate must fall in.
func (r *Ranker) AmountWindow(amount decimal.Decimal) (lo, hi decimal.Decimal) {
	tol := decimal.NewFromFloat(r.cfg.AmountTolerance)
	delta := amount.Mul(tol)
	return amount.Sub(delta), amount.Add(delta)
}

// Rank scores pool against the requester's bill. The requester's own bill
// must be inside their bracket and they must have a schedule; otherwise an
// error is returned. Pool bills that fail a check are reported in
// Result.Excluded and never ranked. An empty result is not an error.
func (r *Ranker) Rank(now time.Time, req Party, pool []Party) (Result, error) {
	if req.Schedule == nil {
		return Result{}, fmt.Errorf("matching: rank for %s: %w", req.Bill.UserID, domain.ErrScheduleMissing)
	}
	reqBracket := EligibleBracket(req.Trust, r.cfg.SwappableCategories)
	if err := reqBracket.Check(req.Bill); err != nil {
		return Result{}, err
	}

	lo, hi := r.AmountWindow(req.Bill.Amount)
	var res Result

	for _, cand := range pool {
		bill := cand.Bill
		if bill.UserID == req.Bill.UserID || bill.ID == req.Bill.ID {
			continue
		}
		if bill.Category != req.Bill.Category {
			continue
		}
		if bill.Amount.LessThan(lo) || bill.Amount.GreaterThan(hi) {
			continue
		}
		if cand.Locked {
			continue
		}

		// The candidate bill must sit inside both brackets, and the
		// partner must be allowed to take on the requester's bill.
		if err := reqBracket.Check(bill); err != nil {
			res.Excluded = append(res.Excluded, Exclusion{BillID: bill.ID, UserID: bill.UserID, Err: err})
			continue
		}
		partnerBracket := EligibleBracket(cand.Trust, r.cfg.SwappableCategories)
		if err := partnerBracket.Check(bill); err != nil {
			res.Excluded = append(res.Excluded, Exclusion{BillID: bill.ID, UserID: bill.UserID, Err: err})
			continue
		}
		if err := partnerBracket.Check(req.Bill); err != nil {
			res.Excluded = append(res.Excluded, Exclusion{BillID: bill.ID, UserID: bill.UserID, Err: err})
			continue
		}

		if cand.Schedule == nil {
			res.Excluded = append(res.Excluded, Exclusion{
				BillID: bill.ID,
				UserID: bill.UserID,
				Err:    fmt.Errorf("matching: partner %s: %w", bill.UserID, domain.ErrScheduleMissing),
			})
			continue
		}

		comp := Complementarity(*req.Schedule, req.Bill.DueDay, *cand.Schedule, bill.DueDay, now)
		closeness := AmountCloseness(req.Bill.Amount, bill.Amount)
		rating := cand.Trust.NormalizedRating()

		w := r.cfg.Weights
		res.Candidates = append(res.Candidates, domain.MatchCandidate{
			UserID:          bill.UserID,
			BillID:          bill.ID,
			Category:        bill.Category,
			Amount:          bill.Amount,
			DueDay:          bill.DueDay,
			Complementarity: comp,
			AmountCloseness: closeness,
			PartnerRating:   cand.Trust.AverageRating,
			PartnerLatency:  cand.Trust.AvgResponseSeconds,
			Score:           w.Complementarity*comp + w.Amount*closeness + w.Rating*rating,
		})
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PartnerLatency != b.PartnerLatency {
			return a.PartnerLatency < b.PartnerLatency
		}
		return a.BillID < b.BillID
	})

	if len(res.Candidates) > r.cfg.TopN {
		res.Candidates = res.Candidates[:r.cfg.TopN]
	}
	if res.Candidates == nil {
		res.Candidates = []domain.MatchCandidate{}
	}
	return res, nil
}

// AmountCloseness is 1 - |a-b| / max(a,b), or 0 when both are zero.
func AmountCloseness(a, b decimal.Decimal) float64 {
	hi := decimal.Max(a, b)
	if !hi.IsPositive() {
		return 0
	}
	v, _ := decimal.NewFromInt(1).Sub(a.Sub(b).Abs().Div(hi)).Float64()
	return clamp01(v)
}
