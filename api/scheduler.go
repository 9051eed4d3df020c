/*
scheduler.go - Automated aggregation scheduler

PURPOSE:
  Periodically rolls closed periods up into aggregates and enriches them
  with narratives. Only closed periods are processed, so every roll-up
  reads finalized data and stays deterministic.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Discovers subjects from the analyses written in the lookback window
  - Recomputes DAY rows for recently closed days (late-arriving analyses
    for a closed day are picked up on the next pass), then the WEEK and
    MONTH rows above them
  - Narration runs after the numeric roll-up and never blocks it; an
    aggregate that failed narration keeps its narrative_error until the
    next recompute

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - LookbackDays:  How many closed days to recompute (default: 3)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAggregationScheduler(analyses, aggregator, narrator)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerAggregate endpoint (manual roll-ups and backfills)
  - coach/aggregate.go: Aggregation engine
  - coach/narrator.go: Narrator gateway
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/coach-engine/coach"
)

// AggregationScheduler drives periodic roll-ups and narration.
type AggregationScheduler struct {
	Analyses      coach.AnalysisStore
	Aggregator    *coach.Aggregator
	Narrator      *coach.Narrator // nil disables narration
	CheckInterval time.Duration
	LookbackDays  int
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAggregationScheduler creates a new scheduler.
func NewAggregationScheduler(analyses coach.AnalysisStore, aggregator *coach.Aggregator, narrator *coach.Narrator) *AggregationScheduler {
	return &AggregationScheduler{
		Analyses:      analyses,
		Aggregator:    aggregator,
		Narrator:      narrator,
		CheckInterval: 15 * time.Minute,
		LookbackDays:  3,
		Enabled:       true,
		Now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (as *AggregationScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)

	go as.run()

	log.Printf("[Scheduler] Started with check interval: %v", as.CheckInterval)
}

// Stop stops the scheduler.
func (as *AggregationScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (as *AggregationScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.checkAndProcess()

	for {
		select {
		case <-as.ticker.C:
			as.checkAndProcess()
		case <-as.stop:
			return
		}
	}
}

func (as *AggregationScheduler) checkAndProcess() {
	ctx := context.Background()
	now := as.Now().UTC()

	lookback := as.LookbackDays
	if lookback <= 0 {
		lookback = 1
	}

	// Closed days in the lookback window, oldest first.
	var days []time.Time
	for i := lookback; i >= 1; i-- {
		day := coach.DayStart(now.AddDate(0, 0, -i))
		if coach.PeriodClosed(coach.PeriodDay, day, now) {
			days = append(days, day)
		}
	}
	if len(days) == 0 {
		return
	}

	from := days[0]
	to := coach.PeriodEnd(coach.PeriodDay, days[len(days)-1])
	subjects, err := as.Analyses.ListSubjects(ctx, from, to)
	if err != nil {
		log.Printf("[Scheduler] Error listing subjects: %v", err)
		return
	}
	if len(subjects) == 0 {
		return
	}

	processed := 0
	for _, subject := range subjects {
		// Upper-level periods touched by the recomputed days. Sets keyed by
		// period start keep each week/month rolled up once per pass.
		weeks := map[time.Time]bool{}
		months := map[time.Time]bool{}

		for _, day := range days {
			if _, err := as.Aggregator.AggregateDay(ctx, subject, day); err != nil {
				log.Printf("[Scheduler] Error aggregating day %s for %s: %v",
					day.Format("2006-01-02"), subject, err)
				continue
			}
			processed++
			as.narrate(ctx, subject, coach.PeriodDay, day)
			weeks[coach.WeekStart(day)] = true
			months[coach.MonthStart(day)] = true
		}

		for week := range weeks {
			if !coach.PeriodClosed(coach.PeriodWeek, week, now) {
				continue
			}
			if _, err := as.Aggregator.AggregateWeek(ctx, subject, week); err != nil {
				log.Printf("[Scheduler] Error aggregating week %s for %s: %v",
					week.Format("2006-01-02"), subject, err)
				continue
			}
			as.narrate(ctx, subject, coach.PeriodWeek, week)
		}

		for month := range months {
			if !coach.PeriodClosed(coach.PeriodMonth, month, now) {
				continue
			}
			if _, err := as.Aggregator.AggregateMonth(ctx, subject, month); err != nil {
				log.Printf("[Scheduler] Error aggregating month %s for %s: %v",
					month.Format("2006-01"), subject, err)
				continue
			}
			as.narrate(ctx, subject, coach.PeriodMonth, month)
		}
	}

	if processed > 0 {
		log.Printf("[Scheduler] Completed: %d day aggregates across %d subjects", processed, len(subjects))
	}
}

// narrate enriches a freshly rolled-up aggregate. Failures are recorded on
// the row by the narrator; here they only get logged.
func (as *AggregationScheduler) narrate(ctx context.Context, subject coach.AgentID, pt coach.PeriodType, start time.Time) {
	if as.Narrator == nil {
		return
	}
	if err := as.Narrator.Narrate(ctx, subject, pt, start); err != nil {
		log.Printf("[Scheduler] Error narrating %s %s for %s: %v",
			pt, start.Format("2006-01-02"), subject, err)
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (as *AggregationScheduler) RunNow() {
	as.checkAndProcess()
}
