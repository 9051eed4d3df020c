/*
Package coach provides the core conversation-coaching engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking
  contact-centre conversations through a multi-stage analysis pipeline,
  recording coaching judgments as append-only evidence-linked facts, and
  compressing those facts into bounded daily/weekly/monthly agent reports.

KEY CONCEPTS IN THIS FILE (types.go):
  - ConversationRecord: Per-conversation pipeline state (the ledger row)
  - AnalysisRecord: One coaching evaluation run (append-only, supersedable)
  - Evidence: A cited moment supporting a scored judgment
  - CitationRecord: Which policy document version informed an analysis
  - PeriodAggregate: Deterministic roll-up over one subject and period

DESIGN PRINCIPLES:
  1. Immutability: Analyses are never modified, only superseded
  2. Precision: Uses decimal.Decimal for all scores and averages
  3. Type Safety: Strong typing for IDs prevents mixing conversation/analysis IDs
  4. Bounded roll-ups: Aggregates carry headlines and pointers, never transcripts

SEE ALSO:
  - ledger.go: Conversation state machine and idempotency
  - evidence.go: Append-only analysis store with supersede chains
  - aggregate.go: Day/week/month roll-up engine
*/
package coach

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConversationID string
type AnalysisID string
type AgentID string

// NewAnalysisID allocates a unique analysis identifier.
// Format: an-<unix-nanos>-<4 random bytes>, sortable by creation time.
func NewAnalysisID() AnalysisID {
	b := make([]byte, 4)
	rand.Read(b)
	return AnalysisID(fmt.Sprintf("an-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b)))
}

// =============================================================================
// SCORES
// =============================================================================

// Scores are 1-10 judgments stored as decimals to keep averages and
// weighted roll-ups exact across aggregation levels.

func NewScore(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func NewScoreFromInt(v int) decimal.Decimal { return decimal.NewFromInt(int64(v)) }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// CONVERSATION RECORD - One row per conversation, never deleted
// =============================================================================

// Status is the pipeline state of a conversation. Status only advances
// forward along the fixed order below, or moves to FAILED from any state.
type Status string

const (
	StatusNew       Status = "NEW"       // Artifact sighted, not yet processed
	StatusSanitized Status = "SANITIZED" // Redaction pass complete (performed upstream)
	StatusIngested  Status = "INGESTED"  // Submitted to the analytics service
	StatusEnriched  Status = "ENRICHED"  // Enrichment complete
	StatusCoached   Status = "COACHED"   // Coaching analysis recorded
	StatusFailed    Status = "FAILED"    // Processing failed; retryable
)

// statusOrder is the forward progression. FAILED sits outside the order.
var statusOrder = map[Status]int{
	StatusNew:       0,
	StatusSanitized: 1,
	StatusIngested:  2,
	StatusEnriched:  3,
	StatusCoached:   4,
}

// IsValidTransition reports whether from → to is a legal forward advance.
// Any state may move to FAILED. SANITIZED is optional: NEW may advance
// directly to INGESTED when no sanitization stage runs.
func IsValidTransition(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusFailed
	}
	fromRank, ok1 := statusOrder[from]
	toRank, ok2 := statusOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return toRank == fromRank+1 || (from == StatusNew && to == StatusIngested)
}

// ArtifactRefs points at the raw artifact locations for a conversation.
// The engine never reads these; it only records presence.
type ArtifactRefs struct {
	TranscriptURI string
	MetadataURI   string
	AudioURI      string
}

// ConversationRecord is the authoritative pipeline state for one
// conversation. Created on first sighting of any artifact; mutated only by
// the stage that owns the corresponding transition; never deleted.
type ConversationRecord struct {
	ConversationID ConversationID
	AgentID        AgentID
	Artifacts      ArtifactRefs

	HasTranscript bool
	HasMetadata   bool
	HasAudio      bool

	Status     Status
	RetryCount int
	LastError  string

	// Weak reference into the evidence store. Lookup only, not ownership.
	LatestAnalysisID AnalysisID

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SanitizedAt *time.Time
	IngestedAt  *time.Time
	EnrichedAt  *time.Time
	CoachedAt   *time.Time
}

// LastCompletedStatus derives the last successfully completed state from the
// stage timestamps. This is where a FAILED conversation resets on retry.
func (r *ConversationRecord) LastCompletedStatus() Status {
	switch {
	case r.CoachedAt != nil:
		return StatusCoached
	case r.EnrichedAt != nil:
		return StatusEnriched
	case r.IngestedAt != nil:
		return StatusIngested
	case r.SanitizedAt != nil:
		return StatusSanitized
	default:
		return StatusNew
	}
}

// ReadyForIngestion reports whether both required artifacts are present.
func (r *ConversationRecord) ReadyForIngestion() bool {
	return r.HasTranscript && r.HasMetadata
}

// =============================================================================
// EVIDENCE - A single cited moment inside one assessment
// =============================================================================

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordering weight of a severity (CRITICAL highest).
func (s Severity) Rank() int { return severityRank[s] }

// MaxQuoteLen bounds evidence quotes. Aggregates must stay small no matter
// how long the underlying call was.
const MaxQuoteLen = 280

// Evidence is one cited moment from a transcript. Immutable once written.
type Evidence struct {
	TurnIndex int
	Speaker   string // AGENT or CUSTOMER
	Quote     string // bounded excerpt, never the full transcript
	IssueType string
	Severity  Severity
}

// BoundQuote truncates a quote to MaxQuoteLen.
func BoundQuote(s string) string {
	if len(s) <= MaxQuoteLen {
		return s
	}
	return s[:MaxQuoteLen-1] + "…"
}

// =============================================================================
// ANALYSIS RECORD - Append-only coaching judgment
// =============================================================================

// DimensionAssessment scores one coaching dimension (empathy, compliance,
// resolution, professionalism, de_escalation, efficiency).
type DimensionAssessment struct {
	Dimension     string
	Score         decimal.Decimal // 1-10
	IssueTypes    []string
	Evidence      []Evidence
	CoachingPoint string
}

// AnalysisRecord is one coaching evaluation run over a conversation.
// Many rows may exist per conversation over time; exactly one has
// IsCurrent = true. A new analysis never mutates an old one - it
// supersedes it.
type AnalysisRecord struct {
	AnalysisID     AnalysisID
	ConversationID ConversationID
	AgentID        AgentID
	AnalyzedAt     time.Time

	Assessments        []DimensionAssessment
	OverallScore       decimal.Decimal
	CriticalIssueCount int
	ResolutionAchieved bool
	SituationSummary   string // short headline of what the call was about

	// Supersede chain. Empty SupersededBy means this row is the chain head.
	SupersededBy AnalysisID
	IsCurrent    bool

	ReanalysisReason string
	ModelID          string
	PromptVersion    string
}

// ComputeOverall returns the flat mean of the dimension scores.
func ComputeOverall(assessments []DimensionAssessment) decimal.Decimal {
	if len(assessments) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, a := range assessments {
		sum = sum.Add(a.Score)
	}
	return sum.Div(decimal.NewFromInt(int64(len(assessments))))
}

// CountCritical counts CRITICAL-severity evidence items across assessments.
func CountCritical(assessments []DimensionAssessment) int {
	n := 0
	for _, a := range assessments {
		for _, e := range a.Evidence {
			if e.Severity == SeverityCritical {
				n++
			}
		}
	}
	return n
}

// TopEvidence returns the single most notable evidence item: highest
// severity first, earliest turn on ties. Nil when there is none.
func TopEvidence(assessments []DimensionAssessment) *Evidence {
	var best *Evidence
	for i := range assessments {
		for j := range assessments[i].Evidence {
			e := &assessments[i].Evidence[j]
			if best == nil ||
				e.Severity.Rank() > best.Severity.Rank() ||
				(e.Severity.Rank() == best.Severity.Rank() && e.TurnIndex < best.TurnIndex) {
				best = e
			}
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// =============================================================================
// CITATION RECORD - Which document version informed an analysis
// =============================================================================

// CitationRecord pins an analysis to the exact (doc_id, doc_version) it
// relied on. Written once alongside the analysis; never a live reference.
type CitationRecord struct {
	AnalysisID     AnalysisID
	DocID          string
	DocVersion     string
	RelevanceScore decimal.Decimal
	RetrievedAt    time.Time
}

// =============================================================================
// PERIOD AGGREGATE - Bounded roll-up for one subject and period
// =============================================================================

// ConversationRef is a bounded pointer to a notable conversation inside an
// aggregate: id, headline, one evidence item and the scores - never content.
type ConversationRef struct {
	ConversationID     ConversationID
	Headline           string
	KeyEvidence        *Evidence
	OverallScore       decimal.Decimal
	CriticalIssueCount int
	AnalyzedAt         time.Time
}

// PeriodAggregate is one row per (subject, period type, period start).
// Numeric fields are produced by the aggregation engine; the narrative
// fields are filled in later, and independently, by the narrator gateway.
//
// Nil metric pointers mean "no data in period" - distinct from zero. Nil
// delta pointers mean "previous period unavailable" - data, not an error.
type PeriodAggregate struct {
	SubjectID   AgentID
	PeriodType  PeriodType
	PeriodStart time.Time

	CallCount          int
	DimensionAverages  map[string]decimal.Decimal
	OverallAvg         *decimal.Decimal
	ResolutionRate     *decimal.Decimal
	IssueCounts        map[string]int
	TopIssues          []string
	CriticalIssueCount int

	OverallDelta *decimal.Decimal
	Trend        string // improving, declining, stable; empty when delta unavailable

	WorstConversations []ConversationRef
	BestConversations  []ConversationRef

	Narrative            string
	RecommendedActions   []string
	NarrativeError       string
	NarrativeGeneratedAt *time.Time

	GeneratedAt time.Time
}

// HasNarrative reports whether narrative enrichment has succeeded.
func (p *PeriodAggregate) HasNarrative() bool { return p.Narrative != "" }
