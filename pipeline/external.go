/*
Package pipeline drives conversations through the analysis stages.

external.go - Interfaces to the external collaborator services

PURPOSE:
  The engine orchestrates three external services but implements none of
  them: an analytics service that enriches transcripts, a retrieval service
  over policy documents, and a coaching model. Each is specified here as an
  interface; production adapters live outside this module, and mocks.go
  provides deterministic in-repo implementations for tests and dev mode.

CONTRACT NOTES:
  - All calls honor ctx cancellation.
  - CoachModel output that fails structural validation must surface as a
    *coach.SchemaInvalidError carrying the raw payload. The pipeline never
    coerces or partially accepts a malformed judgment.
*/
package pipeline

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/coach-engine/coach"
)

// EnrichmentResult is what the analytics service derives from a transcript.
type EnrichmentResult struct {
	ConversationID coach.ConversationID
	Sentiment      decimal.Decimal // -1..1 overall customer sentiment
	Entities       []string
	PhraseMatches  []string // matched phrase categories, e.g. "escalation_language"
	Topics         []string // retrieval keys for policy lookup
}

// Enricher fronts the external analytics service.
type Enricher interface {
	// Submit registers the conversation's artifacts with the analytics
	// service. Idempotent per conversation id.
	Submit(ctx context.Context, conv coach.ConversationRecord) error

	// Enrich returns the enrichment for a submitted conversation, computing
	// it if not yet available. Idempotent; the coach stage calls it again to
	// fetch the result produced during the enrich stage.
	Enrich(ctx context.Context, id coach.ConversationID) (*EnrichmentResult, error)
}

// PolicyExcerpt is one ranked retrieval hit from the policy document corpus.
type PolicyExcerpt struct {
	DocID      string
	DocVersion string
	Excerpt    string
	Relevance  decimal.Decimal
}

// Retriever fronts the external policy retrieval service.
type Retriever interface {
	Retrieve(ctx context.Context, topics []string) ([]PolicyExcerpt, error)
}

// CoachingResult is one validated judgment from the coaching model.
type CoachingResult struct {
	Assessments        []coach.DimensionAssessment
	SituationSummary   string
	ResolutionAchieved bool
	ModelID            string
	PromptVersion      string
}

// CoachModel fronts the external coaching model. Implementations validate
// the model output against the expected structure before returning it;
// malformed output is a *coach.SchemaInvalidError, never a partial result.
type CoachModel interface {
	Coach(ctx context.Context, conv coach.ConversationRecord,
		enrichment *EnrichmentResult, excerpts []PolicyExcerpt) (*CoachingResult, error)
}
