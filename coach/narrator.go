/*
narrator.go - Narrator Gateway: generative enrichment of aggregates

PURPOSE:
  Turns a finished numeric aggregate into a short human-readable narrative
  plus recommended actions. This is the ONLY generative step in the whole
  roll-up path; everything upstream is deterministic.

FAILURE ISOLATION:
  Narration is additive. The numeric aggregate is already stored before the
  narrator runs; a generation failure leaves the narrative empty and records
  narrative_error on the row. Reports render fine from numbers alone. A
  narrator outage can never block or corrupt the aggregation pipeline.

BOUNDED INPUT:
  The generator receives a NarrativeInput built strictly from the aggregate
  row - averages, deltas, top issues, worst/best refs with their single
  evidence quote each. Never transcripts, never unbounded history. The
  payload size is O(K) regardless of call volume.
*/
package coach

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NarrativeInput is the bounded payload handed to the generator. It is a
// flattened view of one PeriodAggregate, nothing more.
type NarrativeInput struct {
	SubjectID   AgentID
	PeriodType  PeriodType
	PeriodStart time.Time

	CallCount          int
	OverallAvg         *decimal.Decimal
	OverallDelta       *decimal.Decimal
	Trend              string
	ResolutionRate     *decimal.Decimal
	DimensionAverages  map[string]decimal.Decimal
	TopIssues          []string
	CriticalIssueCount int

	WorstConversations []ConversationRef
	BestConversations  []ConversationRef
}

// NarrativeResult is what one generation pass produces.
type NarrativeResult struct {
	Narrative          string
	RecommendedActions []string
}

// NarrativeGenerator produces coaching prose from a bounded aggregate view.
// Implementations call an external model; they must honor ctx cancellation.
type NarrativeGenerator interface {
	Generate(ctx context.Context, in NarrativeInput) (*NarrativeResult, error)
}

// Narrator enriches stored aggregates with generated narratives.
type Narrator struct {
	Generator  NarrativeGenerator
	Aggregates AggregateStore

	// MaxAttempts bounds generation retries per aggregate. Backoff doubles
	// from BaseBackoff between attempts.
	MaxAttempts int
	BaseBackoff time.Duration

	Now func() time.Time
}

// NewNarrator wires a Narrator with default retry settings.
func NewNarrator(gen NarrativeGenerator, aggregates AggregateStore) *Narrator {
	return &Narrator{
		Generator:   gen,
		Aggregates:  aggregates,
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		Now:         time.Now,
	}
}

func (n *Narrator) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

// Narrate loads the aggregate, runs the generator with bounded retries and
// writes the result back onto the row. On exhausted retries it records the
// failure in narrative_error and returns nil: a missing narrative is a
// degraded report, not a pipeline error. Storage errors are returned.
func (n *Narrator) Narrate(ctx context.Context, subject AgentID, pt PeriodType, start time.Time) error {
	start = PeriodStartOf(pt, start)
	agg, err := n.Aggregates.GetAggregate(ctx, subject, pt, start)
	if err != nil {
		return err
	}
	if agg.CallCount == 0 {
		// Nothing to narrate for an empty period.
		return nil
	}

	res, genErr := n.generate(ctx, buildNarrativeInput(agg))
	at := n.now()
	if genErr != nil {
		if ctx.Err() != nil {
			// Shutdown, not a generator failure; leave the row untouched so
			// the next scheduler pass retries cleanly.
			return ctx.Err()
		}
		return n.Aggregates.UpdateNarrative(ctx, subject, pt, start, "", nil, genErr.Error(), at)
	}
	return n.Aggregates.UpdateNarrative(ctx, subject, pt, start, res.Narrative, res.RecommendedActions, "", at)
}

func (n *Narrator) generate(ctx context.Context, in NarrativeInput) (*NarrativeResult, error) {
	attempts := n.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := n.BaseBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		res, err := n.Generator.Generate(ctx, in)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("narrative generation failed after %d attempts: %w", attempts, lastErr)
}

// buildNarrativeInput flattens an aggregate into the generator payload.
func buildNarrativeInput(agg *PeriodAggregate) NarrativeInput {
	return NarrativeInput{
		SubjectID:          agg.SubjectID,
		PeriodType:         agg.PeriodType,
		PeriodStart:        agg.PeriodStart,
		CallCount:          agg.CallCount,
		OverallAvg:         agg.OverallAvg,
		OverallDelta:       agg.OverallDelta,
		Trend:              agg.Trend,
		ResolutionRate:     agg.ResolutionRate,
		DimensionAverages:  agg.DimensionAverages,
		TopIssues:          agg.TopIssues,
		CriticalIssueCount: agg.CriticalIssueCount,
		WorstConversations: agg.WorstConversations,
		BestConversations:  agg.BestConversations,
	}
}
