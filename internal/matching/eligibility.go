// Package matching finds and scores swap partners. Everything here is pure:
// callers load trust, schedules and the candidate pool and pass them in.
package matching

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/billix/billswap/internal/domain"
)

// Bracket is the set of bills a user may currently swap.
type Bracket struct {
	UserID     string
	Tier       domain.Tier
	MaxAmount  decimal.Decimal
	categories map[domain.Category]bool
}

// EligibleBracket intersects the user's tier categories with the globally
// swappable set. An empty swappable list means every category is swappable.
func EligibleBracket(trust domain.TrustStatus, swappable []domain.Category) Bracket {
	tier := trust.Tier()
	spec := tier.Spec()

	global := make(map[domain.Category]bool, len(swappable))
	for _, c := range swappable {
		global[c] = true
	}

	allowed := make(map[domain.Category]bool, len(spec.Categories))
	for _, c := range spec.Categories {
		if len(global) == 0 || global[c] {
			allowed[c] = true
		}
	}

	return Bracket{
		UserID:     trust.UserID,
		Tier:       tier,
		MaxAmount:  spec.MaxAmount,
		categories: allowed,
	}
}

// Allows reports whether c is inside the bracket.
func (b Bracket) Allows(c domain.Category) bool {
	return b.categories[c]
}

// Categories lists the allowed categories in display order.
func (b Bracket) Categories() []domain.Category {
	var out []domain.Category
	for _, c := range domain.AllCategories() {
		if b.categories[c] {
			out = append(out, c)
		}
	}
	return out
}

// Check returns an *domain.IneligibleBillError when bill falls outside the
// bracket.
func (b Bracket) Check(bill domain.UserBill) error {
	if !b.Allows(bill.Category) {
		return &domain.IneligibleBillError{
			BillID: bill.ID,
			UserID: b.UserID,
			Reason: fmt.Sprintf("category %s is not swappable at tier %s", bill.Category, b.Tier),
		}
	}
	if bill.Amount.GreaterThan(b.MaxAmount) {
		return &domain.IneligibleBillError{
			BillID: bill.ID,
			UserID: b.UserID,
			Reason: fmt.Sprintf("amount %s exceeds tier %s maximum %s",
				bill.Amount.StringFixed(2), b.Tier, b.MaxAmount.StringFixed(2)),
		}
	}
	return nil
}
