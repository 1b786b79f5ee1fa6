package matching

import (
	"time"

	"github.com/billix/billswap/internal/domain"
)

const (
	// projectedCycles is how many upcoming due dates are scored per bill.
	projectedCycles = 3
	// lookbackDays bounds the search for the payday preceding a due date.
	// It covers a full monthly cycle plus slack for clamped month ends.
	lookbackDays = 35
)

// Complementarity scores how well each party's paydays cover the other's due
// dates over the next few cycles starting at now. The result is in [0,1].
func Complementarity(a domain.PaydaySchedule, dueDayA int, b domain.PaydaySchedule, dueDayB int, now time.Time) float64 {
	// b's paydays funding a's bill, and a's paydays funding b's bill.
	ab := directional(b, dueDayA, now)
	ba := directional(a, dueDayB, now)
	return clamp01((ab + ba) / 2)
}

// directional averages the buffer score of payer's schedule against each of
// the next due dates of a bill due on dueDay.
func directional(payer domain.PaydaySchedule, dueDay int, now time.Time) float64 {
	dues := domain.DueDates(dueDay, now, projectedCycles)
	from := dues[0].AddDate(0, 0, -lookbackDays)
	paydays := payer.Paydays(from, dues[len(dues)-1])

	var sum float64
	for _, due := range dues {
		pd, ok := precedingPayday(paydays, due)
		if !ok {
			continue
		}
		sum += BufferScore(domain.DaysBetween(pd, due))
	}
	return sum / float64(len(dues))
}

// precedingPayday returns the latest payday on or before due. paydays must be
// sorted ascending.
func precedingPayday(paydays []time.Time, due time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, p := range paydays {
		if p.After(due) {
			break
		}
		best, found = p, true
	}
	return best, found
}

// BufferScore rates the days between a payday and the due date it covers.
// A payday after the due date scores 0, a 2-10 day buffer scores 1, shorter
// buffers are risky and longer ones have diminishing value.
func BufferScore(days int) float64 {
	b := float64(days)
	switch {
	case b < 0:
		return 0
	case b < 2:
		return 0.3 + 0.35*b
	case b <= 10:
		return 1
	case b <= 20:
		return 1 - 0.3*(b-10)/10
	default:
		return 0.7 * 20 / b
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
