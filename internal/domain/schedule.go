package domain

import (
	"fmt"
	"sort"
	"time"
)

// Cadence is the recurrence pattern of a payday schedule.
type Cadence string

const (
	CadenceWeekly      Cadence = "weekly"
	CadenceBiweekly    Cadence = "biweekly"
	CadenceSemiMonthly Cadence = "semi_monthly"
	CadenceMonthly     Cadence = "monthly"
)

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceWeekly, CadenceBiweekly, CadenceSemiMonthly, CadenceMonthly:
		return true
	}
	return false
}

// weekdayBased reports whether anchors are ISO weekdays (1=Monday..7=Sunday)
// rather than days of the month.
func (c Cadence) weekdayBased() bool {
	return c == CadenceWeekly || c == CadenceBiweekly
}

// biweeklyEpoch fixes the phase of biweekly schedules that carry no
// reference payday. It is a Monday.
var biweeklyEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// PaydaySchedule describes when a user gets paid.
type PaydaySchedule struct {
	UserID  string  `json:"user_id"`
	Cadence Cadence `json:"cadence"`
	// AnchorDays holds ISO weekdays for weekly/biweekly cadences and days of
	// the month for semi-monthly/monthly ones.
	AnchorDays []int `json:"anchor_days"`
	// Reference optionally pins the phase of a biweekly schedule to a known
	// payday.
	Reference *time.Time `json:"reference,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks that the anchor days are consistent with the cadence.
func (s PaydaySchedule) Validate() error {
	if !s.Cadence.Valid() {
		return fmt.Errorf("%w: unknown cadence %q", ErrInvalidAnchorDays, s.Cadence)
	}

	want := 1
	if s.Cadence == CadenceSemiMonthly {
		want = 2
	}
	if len(s.AnchorDays) != want {
		return fmt.Errorf("%w: %s requires %d anchor day(s), got %d",
			ErrInvalidAnchorDays, s.Cadence, want, len(s.AnchorDays))
	}

	for _, d := range s.AnchorDays {
		if s.Cadence.weekdayBased() {
			if d < 1 || d > 7 {
				return fmt.Errorf("%w: %s anchor must be a weekday 1-7, got %d", ErrInvalidAnchorDays, s.Cadence, d)
			}
		} else if d < 1 || d > 31 {
			return fmt.Errorf("%w: %s anchor must be a day of month 1-31, got %d", ErrInvalidAnchorDays, s.Cadence, d)
		}
	}

	if s.Cadence == CadenceSemiMonthly && s.AnchorDays[0] == s.AnchorDays[1] {
		return fmt.Errorf("%w: semi_monthly anchors must differ", ErrInvalidAnchorDays)
	}

	if s.Reference != nil {
		if s.Cadence != CadenceBiweekly {
			return fmt.Errorf("%w: reference date only applies to biweekly schedules", ErrInvalidAnchorDays)
		}
		if isoWeekday(*s.Reference) != s.AnchorDays[0] {
			return fmt.Errorf("%w: reference date falls on weekday %d, anchor is %d",
				ErrInvalidAnchorDays, isoWeekday(*s.Reference), s.AnchorDays[0])
		}
	}
	return nil
}

// Paydays returns every payday in the closed date range [from, to], in
// ascending order. Times are truncated to UTC midnight.
func (s PaydaySchedule) Paydays(from, to time.Time) []time.Time {
	from, to = Midnight(from), Midnight(to)
	if to.Before(from) || len(s.AnchorDays) == 0 {
		return nil
	}

	switch s.Cadence {
	case CadenceWeekly:
		return stepDates(s.weeklyBase(), 7, from, to)
	case CadenceBiweekly:
		return stepDates(s.weeklyBase(), 14, from, to)
	case CadenceSemiMonthly, CadenceMonthly:
		return monthDates(s.AnchorDays, from, to)
	}
	return nil
}

// NextPaydays returns the first n paydays on or after from.
func (s PaydaySchedule) NextPaydays(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	// Monthly schedules need at most n+1 months to yield n dates.
	to := Midnight(from).AddDate(0, n+1, 0)
	days := s.Paydays(from, to)
	if len(days) > n {
		days = days[:n]
	}
	return days
}

func (s PaydaySchedule) weeklyBase() time.Time {
	if s.Reference != nil {
		return Midnight(*s.Reference)
	}
	offset := (s.AnchorDays[0] - isoWeekday(biweeklyEpoch) + 7) % 7
	return biweeklyEpoch.AddDate(0, 0, offset)
}

// stepDates returns base + k*period days for every k that lands in [from, to].
func stepDates(base time.Time, period int, from, to time.Time) []time.Time {
	diff := daysBetween(base, from)
	rem := ((diff % period) + period) % period
	first := from
	if rem != 0 {
		first = from.AddDate(0, 0, period-rem)
	}

	var out []time.Time
	for d := first; !d.After(to); d = d.AddDate(0, 0, period) {
		out = append(out, d)
	}
	return out
}

// monthDates projects day-of-month anchors across every month touching the
// range, clamping anchors past the end of shorter months.
func monthDates(anchors []int, from, to time.Time) []time.Time {
	seen := make(map[time.Time]bool)
	var out []time.Time

	cursor := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(to) {
		for _, a := range anchors {
			d := ClampDay(cursor.Year(), cursor.Month(), a)
			if d.Before(from) || d.After(to) || seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
		cursor = cursor.AddDate(0, 1, 0)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ClampDay builds the date for day in the given month, degrading to the last
// day of the month when day exceeds its length.
func ClampDay(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DueDates returns the next n occurrences of a monthly due day on or after from.
func DueDates(dueDay int, from time.Time, n int) []time.Time {
	from = Midnight(from)
	out := make([]time.Time, 0, n)
	cursor := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for len(out) < n {
		d := ClampDay(cursor.Year(), cursor.Month(), dueDay)
		if !d.Before(from) {
			out = append(out, d)
		}
		cursor = cursor.AddDate(0, 1, 0)
	}
	return out
}

// NextDueDate returns the first occurrence of dueDay on or after from.
func NextDueDate(dueDay int, from time.Time) time.Time {
	return DueDates(dueDay, from, 1)[0]
}

// Midnight truncates t to the start of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(Midnight(b).Sub(Midnight(a)).Hours() / 24)
}

// DaysBetween returns the whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return daysBetween(a, b)
}

func isoWeekday(t time.Time) int {
	wd := int(t.UTC().Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
