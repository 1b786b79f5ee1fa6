package domain

import "github.com/shopspring/decimal"

// MatchCandidate is a ranked swap partner for a single query. Never persisted.
type MatchCandidate struct {
	UserID          string          `json:"user_id"`
	BillID          string          `json:"bill_id"`
	Category        Category        `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	DueDay          int             `json:"due_day"`
	Complementarity float64         `json:"complementarity"`
	AmountCloseness float64         `json:"amount_closeness"`
	PartnerRating   float64         `json:"partner_rating"`
	PartnerLatency  float64         `json:"partner_latency_seconds"`
	Score           float64         `json:"score"`
}
