package domain

import "time"

// DefaultRating is the average rating of a user with no feedback yet.
const DefaultRating = 5.0

// MaxRating is the top of the rating scale.
const MaxRating = 5.0

// TrustStatus is a user's reputation aggregate. The tier is never stored; it
// is derived from SuccessfulSwaps on every read.
type TrustStatus struct {
	UserID          string  `json:"user_id"`
	SuccessfulSwaps int     `json:"successful_swaps"`
	TrustPoints     int64   `json:"trust_points"`
	AverageRating   float64 `json:"average_rating"`
	RatingCount     int     `json:"rating_count"`
	// AvgResponseSeconds is the mean time the user took to answer proposals.
	AvgResponseSeconds float64   `json:"avg_response_seconds"`
	ResponseSamples    int       `json:"response_samples"`
	Version            int64     `json:"version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewTrustStatus returns the starting status for a user with no history.
func NewTrustStatus(userID string) TrustStatus {
	return TrustStatus{
		UserID:        userID,
		AverageRating: DefaultRating,
	}
}

// Tier derives the current tier from the successful swap count.
func (t TrustStatus) Tier() Tier {
	return TierFor(t.SuccessfulSwaps)
}

// NormalizedRating maps the average rating into [0,1].
func (t TrustStatus) NormalizedRating() float64 {
	r := t.AverageRating / MaxRating
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// TrustView is the API representation of a TrustStatus with its derived tier.
type TrustView struct {
	TrustStatus
	Tier          Tier   `json:"tier"`
	NextTier      *Tier  `json:"next_tier,omitempty"`
	SwapsToNext   int    `json:"swaps_to_next,omitempty"`
	MaxSwapAmount string `json:"max_swap_amount"`
}

// View builds the API representation of t.
func (t TrustStatus) View() TrustView {
	tier := t.Tier()
	v := TrustView{
		TrustStatus:   t,
		Tier:          tier,
		MaxSwapAmount: tier.Spec().MaxAmount.StringFixed(2),
	}
	if next, ok := tier.Next(); ok {
		v.NextTier = &next
		v.SwapsToNext = next.Spec().MinSwaps - t.SuccessfulSwaps
	}
	return v
}
