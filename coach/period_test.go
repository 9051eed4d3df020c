package coach_test

import (
	"testing"
	"time"

	"github.com/warp/coach-engine/coach"
)

func TestWeekStart_AlwaysMonday(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		// 2026-07-06 is a Monday.
		{time.Date(2026, time.July, 6, 13, 45, 0, 0, time.UTC), time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, time.July, 9, 0, 0, 0, 0, time.UTC), time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)},
		// Sunday belongs to the week that started the previous Monday.
		{time.Date(2026, time.July, 12, 23, 59, 0, 0, time.UTC), time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, time.July, 13, 0, 0, 0, 0, time.UTC), time.Date(2026, time.July, 13, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := coach.WeekStart(tt.in); !got.Equal(tt.want) {
			t.Errorf("WeekStart(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPeriodEnd_Exclusive(t *testing.T) {
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	if got := coach.PeriodEnd(coach.PeriodDay, day); !got.Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("day end = %s", got)
	}
	if got := coach.PeriodEnd(coach.PeriodWeek, day); !got.Equal(day.AddDate(0, 0, 7)) {
		t.Errorf("week end = %s", got)
	}
	month := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	if got := coach.PeriodEnd(coach.PeriodMonth, month); !got.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month end = %s (February length must be calendar-aware)", got)
	}
}

func TestPeriodClosed(t *testing.T) {
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	if coach.PeriodClosed(coach.PeriodDay, day, day.Add(23*time.Hour)) {
		t.Error("day must stay open until its exclusive end")
	}
	if !coach.PeriodClosed(coach.PeriodDay, day, day.AddDate(0, 0, 1)) {
		t.Error("day must be closed exactly at its exclusive end")
	}
}

func TestWeeksOfMonth_MembershipByWeekStart(t *testing.T) {
	// July 2026 starts on a Wednesday: the week of Jun 29 belongs to June,
	// so July's weeks start Jul 6, 13, 20, 27.
	july := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	weeks := coach.WeeksOfMonth(july)

	want := []time.Time{
		time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.July, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.July, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.July, 27, 0, 0, 0, 0, time.UTC),
	}
	if len(weeks) != len(want) {
		t.Fatalf("WeeksOfMonth(July 2026) = %v, want %d weeks", weeks, len(want))
	}
	for i := range want {
		if !weeks[i].Equal(want[i]) {
			t.Errorf("weeks[%d] = %s, want %s", i, weeks[i], want[i])
		}
	}

	// June 2026 starts on a Monday: five weeks, Jun 1 through Jun 29.
	june := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	if got := coach.WeeksOfMonth(june); len(got) != 5 || !got[0].Equal(june) {
		t.Errorf("WeeksOfMonth(June 2026) = %v, want 5 weeks starting Jun 1", got)
	}
}

func TestPreviousPeriodStart(t *testing.T) {
	march := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if got := coach.PreviousPeriodStart(coach.PeriodMonth, march); !got.Equal(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("previous month of March = %s", got)
	}
	monday := time.Date(2026, time.July, 13, 0, 0, 0, 0, time.UTC)
	if got := coach.PreviousPeriodStart(coach.PeriodWeek, monday); !got.Equal(time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("previous week of Jul 13 = %s", got)
	}
}
