/*
mocks.go - Deterministic in-repo implementations of the external services

PURPOSE:
  Real analytics, retrieval and model services live outside this module.
  These mocks produce stable, plausible outputs so the full pipeline runs
  end to end in tests and dev mode without network access.

  Each mock exposes an error-injection hook (Fail* fields) so tests can
  exercise the retry and failure paths.
*/
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/coach-engine/coach"
)

// coachingDimensions are the six dimensions every mock judgment scores.
var coachingDimensions = []string{
	"empathy", "compliance", "resolution", "professionalism", "de_escalation", "efficiency",
}

// seed derives a stable small integer from an id so mock outputs are
// deterministic per conversation.
func seed(id coach.ConversationID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// =============================================================================
// MOCK ENRICHER
// =============================================================================

// MockEnricher simulates the analytics service with an in-memory record of
// submissions. Enrich fails for conversations never submitted, mirroring
// the real service's behavior.
type MockEnricher struct {
	mu        sync.Mutex
	submitted map[coach.ConversationID]bool

	FailSubmit func(coach.ConversationID) error
	FailEnrich func(coach.ConversationID) error
}

func NewMockEnricher() *MockEnricher {
	return &MockEnricher{submitted: make(map[coach.ConversationID]bool)}
}

func (m *MockEnricher) Submit(_ context.Context, conv coach.ConversationRecord) error {
	if m.FailSubmit != nil {
		if err := m.FailSubmit(conv.ConversationID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted[conv.ConversationID] = true
	return nil
}

func (m *MockEnricher) Enrich(_ context.Context, id coach.ConversationID) (*EnrichmentResult, error) {
	if m.FailEnrich != nil {
		if err := m.FailEnrich(id); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	ok := m.submitted[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("enrichment not available: conversation %s was never submitted", id)
	}

	s := seed(id)
	topics := []string{"billing_dispute", "refund_policy", "account_access"}
	return &EnrichmentResult{
		ConversationID: id,
		Sentiment:      decimal.NewFromInt(int64(s%21) - 10).Div(decimal.NewFromInt(10)),
		Entities:       []string{"account", "invoice"},
		PhraseMatches:  []string{"escalation_language"},
		Topics:         topics[:1+s%uint32(len(topics))],
	}, nil
}

// =============================================================================
// MOCK RETRIEVER
// =============================================================================

// MockRetriever serves a tiny canned policy corpus keyed by topic.
type MockRetriever struct {
	FailRetrieve func([]string) error
}

var mockCorpus = map[string]PolicyExcerpt{
	"billing_dispute": {DocID: "policy-billing", DocVersion: "v3", Excerpt: "Disputed charges must be acknowledged within the call and logged with a case number."},
	"refund_policy":   {DocID: "policy-refunds", DocVersion: "v7", Excerpt: "Refunds over the agent limit require supervisor approval before any commitment is made."},
	"account_access":  {DocID: "policy-identity", DocVersion: "v2", Excerpt: "Identity must be verified with two factors before discussing account details."},
}

func (m *MockRetriever) Retrieve(_ context.Context, topics []string) ([]PolicyExcerpt, error) {
	if m.FailRetrieve != nil {
		if err := m.FailRetrieve(topics); err != nil {
			return nil, err
		}
	}
	var hits []PolicyExcerpt
	for i, t := range topics {
		ex, ok := mockCorpus[t]
		if !ok {
			continue
		}
		ex.Relevance = decimal.NewFromInt(int64(90 - i*10)).Div(decimal.NewFromInt(100))
		hits = append(hits, ex)
	}
	return hits, nil
}

// =============================================================================
// MOCK COACH MODEL
// =============================================================================

// MockCoachModel produces a deterministic six-dimension judgment per
// conversation. Scores vary with the conversation id so aggregates over
// mock data are non-trivial.
type MockCoachModel struct {
	FailCoach func(coach.ConversationID) error
}

func (m *MockCoachModel) Coach(_ context.Context, conv coach.ConversationRecord,
	enrichment *EnrichmentResult, excerpts []PolicyExcerpt) (*CoachingResult, error) {
	if m.FailCoach != nil {
		if err := m.FailCoach(conv.ConversationID); err != nil {
			return nil, err
		}
	}

	s := seed(conv.ConversationID)
	assessments := make([]coach.DimensionAssessment, 0, len(coachingDimensions))
	for i, dim := range coachingDimensions {
		score := 4 + (int(s)+i*3)%7 // 4..10
		a := coach.DimensionAssessment{
			Dimension:     dim,
			Score:         coach.NewScoreFromInt(score),
			CoachingPoint: fmt.Sprintf("Keep reinforcing %s behaviors on similar calls.", dim),
		}
		if score <= 5 {
			sev := coach.SeverityMedium
			if score == 4 {
				sev = coach.SeverityHigh
			}
			a.IssueTypes = []string{dim + "_gap"}
			a.Evidence = []coach.Evidence{{
				TurnIndex: i + 2,
				Speaker:   "AGENT",
				Quote:     coach.BoundQuote(fmt.Sprintf("Representative moment illustrating the %s gap.", dim)),
				IssueType: dim + "_gap",
				Severity:  sev,
			}}
		}
		assessments = append(assessments, a)
	}

	return &CoachingResult{
		Assessments:        assessments,
		SituationSummary:   fmt.Sprintf("Customer contact about %s", strings.Join(enrichment.Topics, ", ")),
		ResolutionAchieved: s%3 != 0,
		ModelID:            "mock-coach-1",
		PromptVersion:      "2026-08",
	}, nil
}

// =============================================================================
// MOCK NARRATIVE GENERATOR
// =============================================================================

// MockNarrator renders a plain-language narrative from the bounded
// aggregate payload. Template prose, no model call.
type MockNarrator struct {
	FailGenerate func(coach.NarrativeInput) error
}

func (m *MockNarrator) Generate(_ context.Context, in coach.NarrativeInput) (*coach.NarrativeResult, error) {
	if m.FailGenerate != nil {
		if err := m.FailGenerate(in); err != nil {
			return nil, err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s handled %d calls this %s.",
		in.SubjectID, in.CallCount, strings.ToLower(string(in.PeriodType)))
	if in.OverallAvg != nil {
		fmt.Fprintf(&b, " Overall quality averaged %s out of 10", in.OverallAvg.StringFixed(1))
		if in.Trend != "" {
			fmt.Fprintf(&b, " (%s vs the previous period)", in.Trend)
		}
		b.WriteString(".")
	}
	if len(in.TopIssues) > 0 {
		fmt.Fprintf(&b, " The most frequent issue was %s.", in.TopIssues[0])
	}

	actions := []string{"Review the lowest-scored calls with the agent."}
	if len(in.TopIssues) > 0 {
		actions = append(actions, fmt.Sprintf("Run a refresher on %s.", in.TopIssues[0]))
	}
	return &coach.NarrativeResult{Narrative: b.String(), RecommendedActions: actions}, nil
}
