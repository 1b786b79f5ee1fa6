package domain

import "time"

// Event bus channels and streams.
const (
	ChannelSwaps     = "swaps"
	ChannelTrust     = "trust"
	StreamSwapEvents = "swap_events"
)

// SwapEvent is published after every committed swap transition.
type SwapEvent struct {
	SwapID  string     `json:"swap_id"`
	Action  SwapAction `json:"action"`
	From    SwapStatus `json:"from,omitempty"`
	To      SwapStatus `json:"to"`
	Version int64      `json:"version"`
	UserIDs []string   `json:"user_ids"`
	Actor   string     `json:"actor,omitempty"`
	At      time.Time  `json:"at"`
}

// TrustEvent is published when a participant's trust status changes.
type TrustEvent struct {
	UserID          string    `json:"user_id"`
	SwapID          string    `json:"swap_id"`
	SuccessfulSwaps int       `json:"successful_swaps"`
	TrustPoints     int64     `json:"trust_points"`
	PointsAwarded   int64     `json:"points_awarded"`
	AverageRating   float64   `json:"average_rating"`
	Tier            Tier      `json:"tier"`
	PreviousTier    Tier      `json:"previous_tier"`
	At              time.Time `json:"at"`
}

// Promoted reports whether the event moved the user up the ladder.
func (e TrustEvent) Promoted() bool {
	return e.Tier > e.PreviousTier
}
