package coach

import "time"

// =============================================================================
// PERIOD - Fixed windows for aggregate roll-ups
// =============================================================================

// PeriodType defines the aggregation level. The layering is strict: a DAY
// aggregate reads current analyses, a WEEK aggregate reads only DAY rows,
// a MONTH aggregate reads only WEEK rows. Upper levels never bypass down.
type PeriodType string

const (
	PeriodDay   PeriodType = "DAY"
	PeriodWeek  PeriodType = "WEEK"
	PeriodMonth PeriodType = "MONTH"
)

// DayStart truncates a time to UTC midnight.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	d := DayStart(t)
	// time.Weekday: Sunday = 0. Shift so Monday = 0.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns the first day 00:00 UTC of the month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodStartOf normalizes t onto the period boundary for the given type.
func PeriodStartOf(pt PeriodType, t time.Time) time.Time {
	switch pt {
	case PeriodWeek:
		return WeekStart(t)
	case PeriodMonth:
		return MonthStart(t)
	default:
		return DayStart(t)
	}
}

// PeriodEnd returns the exclusive end of the period starting at start.
func PeriodEnd(pt PeriodType, start time.Time) time.Time {
	switch pt {
	case PeriodWeek:
		return start.AddDate(0, 0, 7)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// PreviousPeriodStart returns the start of the period before this one.
func PreviousPeriodStart(pt PeriodType, start time.Time) time.Time {
	switch pt {
	case PeriodWeek:
		return start.AddDate(0, 0, -7)
	case PeriodMonth:
		return start.AddDate(0, -1, 0)
	default:
		return start.AddDate(0, 0, -1)
	}
}

// PeriodClosed reports whether the period has fully elapsed at now.
// Aggregates are only computed for closed periods, so their inputs are
// finalized read-only data.
func PeriodClosed(pt PeriodType, start, now time.Time) bool {
	return !now.UTC().Before(PeriodEnd(pt, start))
}

// DaysOfWeek returns the 7 day starts of the week beginning at weekStart.
func DaysOfWeek(weekStart time.Time) []time.Time {
	days := make([]time.Time, 7)
	for i := range days {
		days[i] = weekStart.AddDate(0, 0, i)
	}
	return days
}

// WeeksOfMonth returns the week starts whose Monday falls inside the month
// beginning at monthStart. A week belongs to the month containing its start.
func WeeksOfMonth(monthStart time.Time) []time.Time {
	end := PeriodEnd(PeriodMonth, monthStart)
	var weeks []time.Time
	w := WeekStart(monthStart)
	if w.Before(monthStart) {
		w = w.AddDate(0, 0, 7)
	}
	for w.Before(end) {
		weeks = append(weeks, w)
		w = w.AddDate(0, 0, 7)
	}
	return weeks
}
