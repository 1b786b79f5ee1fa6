package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserBill is a recurring bill owned by a user.
type UserBill struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Category  Category        `json:"category"`
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`
	DueDay    int             `json:"due_day"` // day of month, 1-31
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks the bill's intrinsic fields. Bracket limits depend on the
// owner's trust and are checked by the matching package.
func (b UserBill) Validate() error {
	switch {
	case strings.TrimSpace(b.UserID) == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidBill)
	case !b.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidBill, b.Category)
	case strings.TrimSpace(b.Provider) == "":
		return fmt.Errorf("%w: missing provider", ErrInvalidBill)
	case !b.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBill)
	case b.DueDay < 1 || b.DueDay > 31:
		return fmt.Errorf("%w: due day %d out of range 1-31", ErrInvalidBill, b.DueDay)
	}
	return nil
}

// BillQuery filters the candidate pool.
type BillQuery struct {
	Category      Category
	ExcludeUserID string
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	// Unlocked drops bills held by a non-terminal swap.
	Unlocked bool
	Limit    int
	Offset   int
}

// Matches reports whether b satisfies q, ignoring pagination and locks.
func (q BillQuery) Matches(b UserBill) bool {
	if q.Category != "" && b.Category != q.Category {
		return false
	}
	if q.ExcludeUserID != "" && b.UserID == q.ExcludeUserID {
		return false
	}
	if !q.MinAmount.IsZero() && b.Amount.LessThan(q.MinAmount) {
		return false
	}
	if !q.MaxAmount.IsZero() && b.Amount.GreaterThan(q.MaxAmount) {
		return false
	}
	return true
}
