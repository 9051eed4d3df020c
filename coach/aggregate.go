/*
aggregate.go - Aggregation Engine: deterministic day/week/month roll-ups

PURPOSE:
  Compresses thousands of per-conversation coaching facts into bounded
  period summaries. Purely deterministic - SQL-style grouping, no
  generative calls, no retries, no side effects beyond the aggregate row.

STRICT LAYERING (the core invariant):
  DAY   reads only is_current AnalysisRecords for that subject/date.
  WEEK  reads only the DAY aggregates of its 7 days.
  MONTH reads only the WEEK aggregates starting inside the month.
  An upper level never bypasses to a lower-than-adjacent layer, which keeps
  every roll-up's working set bounded regardless of call volume or history
  depth.

WORST/BEST-K SELECTION:
  Each aggregate carries at most K references per list: conversation id, a
  short headline, the single most notable evidence item, and the scores -
  never transcripts. Tie-break rule: overall score ascending (worst) or
  descending (best), then critical_issue_count descending (more critical
  issues ranks as worse even at equal score), then analyzed_at descending.
  Centralized in rankRefs so a product decision changes one comparator.

ZERO-DATA PERIODS:
  A subject with no calls still gets an aggregate row with call_count = 0
  and nil metrics. Downstream consumers can distinguish "no data" (stored
  row, nil metrics) from "not yet computed" (ErrAggregateNotFound).

DELTAS:
  Delta-vs-previous-period is computed only when the previous aggregate
  exists and has data; otherwise the delta is nil - unavailable, not zero,
  not an error.
*/
package coach

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTopK is the bounded size of the worst/best conversation lists.
const DefaultTopK = 3

// TopIssueLimit bounds the top-issue list on every aggregate.
const TopIssueLimit = 5

// trendThreshold is the overall-score delta beyond which a period counts
// as improving or declining rather than stable.
var trendThreshold = decimal.NewFromFloat(0.5)

// Aggregator rolls analysis facts up into period aggregates.
type Aggregator struct {
	Analyses   AnalysisStore
	Aggregates AggregateStore
	TopK       int
	Now        func() time.Time
}

// NewAggregator creates an Aggregator with the default K.
func NewAggregator(analyses AnalysisStore, aggregates AggregateStore) *Aggregator {
	return &Aggregator{Analyses: analyses, Aggregates: aggregates, TopK: DefaultTopK, Now: time.Now}
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Aggregator) topK() int {
	if a.TopK > 0 {
		return a.TopK
	}
	return DefaultTopK
}

// =============================================================================
// DAY - built only from is_current analyses
// =============================================================================

// AggregateDay scans the current analyses for subject/date and stores the
// resulting DAY aggregate. The date is normalized to UTC midnight.
func (a *Aggregator) AggregateDay(ctx context.Context, subject AgentID, date time.Time) (*PeriodAggregate, error) {
	day := DayStart(date)
	rows, err := a.Analyses.ListCurrentInRange(ctx, subject, day, PeriodEnd(PeriodDay, day))
	if err != nil {
		return nil, err
	}

	agg := PeriodAggregate{
		SubjectID:   subject,
		PeriodType:  PeriodDay,
		PeriodStart: day,
		CallCount:   len(rows),
		GeneratedAt: a.now(),
	}

	if len(rows) > 0 {
		dimSums := map[string]decimal.Decimal{}
		dimCounts := map[string]int64{}
		overallSum := decimal.Zero
		issueCounts := map[string]int{}
		resolved := 0
		critical := 0
		refs := make([]ConversationRef, 0, len(rows))

		for _, r := range rows {
			overallSum = overallSum.Add(r.OverallScore)
			critical += r.CriticalIssueCount
			if r.ResolutionAchieved {
				resolved++
			}
			for _, as := range r.Assessments {
				dimSums[as.Dimension] = dimSums[as.Dimension].Add(as.Score)
				dimCounts[as.Dimension]++
				for _, issue := range as.IssueTypes {
					issueCounts[issue]++
				}
			}
			refs = append(refs, refFromAnalysis(r))
		}

		n := decimal.NewFromInt(int64(len(rows)))
		overall := overallSum.Div(n)
		rate := decimal.NewFromInt(int64(resolved)).Div(n)
		agg.OverallAvg = &overall
		agg.ResolutionRate = &rate
		agg.DimensionAverages = make(map[string]decimal.Decimal, len(dimSums))
		for dim, sum := range dimSums {
			agg.DimensionAverages[dim] = sum.Div(decimal.NewFromInt(dimCounts[dim]))
		}
		agg.IssueCounts = issueCounts
		agg.TopIssues = topIssues(issueCounts, TopIssueLimit)
		agg.CriticalIssueCount = critical
		agg.WorstConversations = rankRefs(refs, true, a.topK())
		agg.BestConversations = rankRefs(refs, false, a.topK())
	}

	a.fillDelta(ctx, &agg)
	if err := a.Aggregates.PutAggregate(ctx, agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// =============================================================================
// WEEK - built only from DAY aggregates
// =============================================================================

// AggregateWeek rolls the 7 DAY aggregates of the week into one WEEK row.
// Averages are weighted by each day's call count, never a flat mean of
// daily means.
func (a *Aggregator) AggregateWeek(ctx context.Context, subject AgentID, weekStart time.Time) (*PeriodAggregate, error) {
	start := WeekStart(weekStart)
	days, err := a.Aggregates.ListAggregates(ctx, subject, PeriodDay, start, PeriodEnd(PeriodWeek, start))
	if err != nil {
		return nil, err
	}
	return a.rollUp(ctx, subject, PeriodWeek, start, days)
}

// =============================================================================
// MONTH - built only from WEEK aggregates
// =============================================================================

// AggregateMonth rolls the WEEK aggregates starting inside the month into
// one MONTH row. Identical pattern one level up.
func (a *Aggregator) AggregateMonth(ctx context.Context, subject AgentID, monthStart time.Time) (*PeriodAggregate, error) {
	start := MonthStart(monthStart)
	weeks, err := a.Aggregates.ListAggregates(ctx, subject, PeriodWeek, start, PeriodEnd(PeriodMonth, start))
	if err != nil {
		return nil, err
	}
	return a.rollUp(ctx, subject, PeriodMonth, start, weeks)
}

// rollUp combines lower-level aggregates into one upper-level aggregate.
func (a *Aggregator) rollUp(ctx context.Context, subject AgentID, pt PeriodType, start time.Time, lower []PeriodAggregate) (*PeriodAggregate, error) {
	agg := PeriodAggregate{
		SubjectID:   subject,
		PeriodType:  pt,
		PeriodStart: start,
		GeneratedAt: a.now(),
	}

	total := 0
	for _, l := range lower {
		total += l.CallCount
	}
	agg.CallCount = total

	if total > 0 {
		n := decimal.NewFromInt(int64(total))
		dimSums := map[string]decimal.Decimal{}
		dimWeights := map[string]decimal.Decimal{}
		overallSum := decimal.Zero
		resolvedSum := decimal.Zero
		issueCounts := map[string]int{}
		critical := 0
		var refs []ConversationRef

		for _, l := range lower {
			if l.CallCount == 0 {
				continue
			}
			w := decimal.NewFromInt(int64(l.CallCount))
			if l.OverallAvg != nil {
				overallSum = overallSum.Add(l.OverallAvg.Mul(w))
			}
			if l.ResolutionRate != nil {
				resolvedSum = resolvedSum.Add(l.ResolutionRate.Mul(w))
			}
			for dim, avg := range l.DimensionAverages {
				dimSums[dim] = dimSums[dim].Add(avg.Mul(w))
				dimWeights[dim] = dimWeights[dim].Add(w)
			}
			for issue, c := range l.IssueCounts {
				issueCounts[issue] += c
			}
			critical += l.CriticalIssueCount
			refs = append(refs, l.WorstConversations...)
			refs = append(refs, l.BestConversations...)
		}

		overall := overallSum.Div(n)
		rate := resolvedSum.Div(n)
		agg.OverallAvg = &overall
		agg.ResolutionRate = &rate
		agg.DimensionAverages = make(map[string]decimal.Decimal, len(dimSums))
		for dim, sum := range dimSums {
			agg.DimensionAverages[dim] = sum.Div(dimWeights[dim])
		}
		agg.IssueCounts = issueCounts
		agg.TopIssues = topIssues(issueCounts, TopIssueLimit)
		agg.CriticalIssueCount = critical
		agg.WorstConversations = rankRefs(dedupeRefs(refs), true, a.topK())
		agg.BestConversations = rankRefs(dedupeRefs(refs), false, a.topK())
	}

	a.fillDelta(ctx, &agg)
	if err := a.Aggregates.PutAggregate(ctx, agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// fillDelta computes delta-vs-previous-period when the previous aggregate
// exists and has data; otherwise the delta stays nil (unavailable).
func (a *Aggregator) fillDelta(ctx context.Context, agg *PeriodAggregate) {
	if agg.OverallAvg == nil {
		return
	}
	prev, err := a.Aggregates.GetAggregate(ctx, agg.SubjectID, agg.PeriodType,
		PreviousPeriodStart(agg.PeriodType, agg.PeriodStart))
	if err != nil || prev == nil || prev.OverallAvg == nil {
		if err != nil && !errors.Is(err, ErrAggregateNotFound) {
			// Storage trouble reading the previous period degrades to an
			// unavailable delta rather than failing the roll-up.
			return
		}
		return
	}
	delta := agg.OverallAvg.Sub(*prev.OverallAvg)
	agg.OverallDelta = &delta
	switch {
	case delta.GreaterThan(trendThreshold):
		agg.Trend = "improving"
	case delta.LessThan(trendThreshold.Neg()):
		agg.Trend = "declining"
	default:
		agg.Trend = "stable"
	}
}

// =============================================================================
// RANKING AND SELECTION
// =============================================================================

func refFromAnalysis(r AnalysisRecord) ConversationRef {
	headline := r.SituationSummary
	if headline == "" {
		headline = "Call"
	}
	return ConversationRef{
		ConversationID:     r.ConversationID,
		Headline:           headline,
		KeyEvidence:        TopEvidence(r.Assessments),
		OverallScore:       r.OverallScore,
		CriticalIssueCount: r.CriticalIssueCount,
		AnalyzedAt:         r.AnalyzedAt,
	}
}

// rankRefs orders refs by the tie-break rule and keeps at most k.
// worst=true: score ascending, more criticals first. worst=false: score
// descending, fewer criticals first. Both: most recent wins final ties.
func rankRefs(refs []ConversationRef, worst bool, k int) []ConversationRef {
	sorted := make([]ConversationRef, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.OverallScore.Equal(b.OverallScore) {
			if worst {
				return a.OverallScore.LessThan(b.OverallScore)
			}
			return a.OverallScore.GreaterThan(b.OverallScore)
		}
		if a.CriticalIssueCount != b.CriticalIssueCount {
			if worst {
				return a.CriticalIssueCount > b.CriticalIssueCount
			}
			return a.CriticalIssueCount < b.CriticalIssueCount
		}
		return a.AnalyzedAt.After(b.AnalyzedAt)
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// dedupeRefs keeps one ref per conversation (the first seen). Week/month
// lists merge day-level worst and best lists, which can overlap.
func dedupeRefs(refs []ConversationRef) []ConversationRef {
	seen := make(map[ConversationID]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if !seen[r.ConversationID] {
			seen[r.ConversationID] = true
			out = append(out, r)
		}
	}
	return out
}

// topIssues returns the most frequent issue types, count descending, name
// ascending on ties for determinism.
func topIssues(counts map[string]int, limit int) []string {
	issues := make([]string, 0, len(counts))
	for issue := range counts {
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(i, j int) bool {
		if counts[issues[i]] != counts[issues[j]] {
			return counts[issues[i]] > counts[issues[j]]
		}
		return issues[i] < issues[j]
	})
	if len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}
