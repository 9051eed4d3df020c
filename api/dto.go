/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NULLABILITY:
  Aggregate metrics use pointer fields: null in the JSON means "no data in
  period" (call_count = 0) or "previous period unavailable" (deltas). A
  missing value is data, not an error.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/coach-engine/coach"
)

// =============================================================================
// CONVERSATION TYPES
// =============================================================================

// RegisterConversationRequest registers an artifact sighting.
type RegisterConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	TranscriptURI  string `json:"transcript_uri,omitempty"`
	MetadataURI    string `json:"metadata_uri,omitempty"`
	AudioURI       string `json:"audio_uri,omitempty"`
}

// ConversationDTO represents pipeline state in API responses.
type ConversationDTO struct {
	ConversationID   string  `json:"conversation_id"`
	AgentID          string  `json:"agent_id"`
	Status           string  `json:"status"`
	HasTranscript    bool    `json:"has_transcript"`
	HasMetadata      bool    `json:"has_metadata"`
	HasAudio         bool    `json:"has_audio"`
	RetryCount       int     `json:"retry_count"`
	LastError        string  `json:"last_error,omitempty"`
	LatestAnalysisID string  `json:"latest_analysis_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	SanitizedAt      *string `json:"sanitized_at,omitempty"`
	IngestedAt       *string `json:"ingested_at,omitempty"`
	EnrichedAt       *string `json:"enriched_at,omitempty"`
	CoachedAt        *string `json:"coached_at,omitempty"`
}

// =============================================================================
// ANALYSIS TYPES
// =============================================================================

// EvidenceDTO is one cited transcript moment.
type EvidenceDTO struct {
	TurnIndex int    `json:"turn_index"`
	Speaker   string `json:"speaker"`
	Quote     string `json:"quote"`
	IssueType string `json:"issue_type"`
	Severity  string `json:"severity"`
}

// AssessmentDTO is one scored coaching dimension.
type AssessmentDTO struct {
	Dimension     string        `json:"dimension"`
	Score         float64       `json:"score"`
	IssueTypes    []string      `json:"issue_types,omitempty"`
	Evidence      []EvidenceDTO `json:"evidence,omitempty"`
	CoachingPoint string        `json:"coaching_point,omitempty"`
}

// AnalysisDTO represents one coaching analysis.
type AnalysisDTO struct {
	AnalysisID         string          `json:"analysis_id"`
	ConversationID     string          `json:"conversation_id"`
	AgentID            string          `json:"agent_id"`
	AnalyzedAt         string          `json:"analyzed_at"`
	Assessments        []AssessmentDTO `json:"assessments"`
	OverallScore       float64         `json:"overall_score"`
	CriticalIssueCount int             `json:"critical_issue_count"`
	ResolutionAchieved bool            `json:"resolution_achieved"`
	SituationSummary   string          `json:"situation_summary,omitempty"`
	IsCurrent          bool            `json:"is_current"`
	SupersededBy       string          `json:"superseded_by,omitempty"`
	ReanalysisReason   string          `json:"reanalysis_reason,omitempty"`
	ModelID            string          `json:"model_id,omitempty"`
	PromptVersion      string          `json:"prompt_version,omitempty"`
}

// CitationDTO pins an analysis to a document version.
type CitationDTO struct {
	AnalysisID     string  `json:"analysis_id"`
	DocID          string  `json:"doc_id"`
	DocVersion     string  `json:"doc_version"`
	RelevanceScore float64 `json:"relevance_score"`
	RetrievedAt    string  `json:"retrieved_at"`
}

// =============================================================================
// AGGREGATE TYPES
// =============================================================================

// ConversationRefDTO is a bounded pointer inside an aggregate.
type ConversationRefDTO struct {
	ConversationID     string       `json:"conversation_id"`
	Headline           string       `json:"headline"`
	KeyEvidence        *EvidenceDTO `json:"key_evidence,omitempty"`
	OverallScore       float64      `json:"overall_score"`
	CriticalIssueCount int          `json:"critical_issue_count"`
	AnalyzedAt         string       `json:"analyzed_at"`
}

// AggregateDTO represents one period roll-up.
type AggregateDTO struct {
	SubjectID   string `json:"subject_id"`
	PeriodType  string `json:"period_type"`
	PeriodStart string `json:"period_start"`

	CallCount          int                `json:"call_count"`
	DimensionAverages  map[string]float64 `json:"dimension_averages,omitempty"`
	OverallAvg         *float64           `json:"overall_avg"`
	ResolutionRate     *float64           `json:"resolution_rate"`
	IssueCounts        map[string]int     `json:"issue_counts,omitempty"`
	TopIssues          []string           `json:"top_issues,omitempty"`
	CriticalIssueCount int                `json:"critical_issue_count"`

	OverallDelta *float64 `json:"overall_delta"`
	Trend        string   `json:"trend,omitempty"`

	WorstConversations []ConversationRefDTO `json:"worst_conversations,omitempty"`
	BestConversations  []ConversationRefDTO `json:"best_conversations,omitempty"`

	Narrative            string   `json:"narrative,omitempty"`
	RecommendedActions   []string `json:"recommended_actions,omitempty"`
	NarrativeError       string   `json:"narrative_error,omitempty"`
	NarrativeGeneratedAt *string  `json:"narrative_generated_at,omitempty"`

	GeneratedAt string `json:"generated_at"`
}

// AggregateRequest triggers a manual roll-up for one subject and period.
type AggregateRequest struct {
	SubjectID   string `json:"subject_id"`
	PeriodType  string `json:"period_type"`
	PeriodStart string `json:"period_start"` // YYYY-MM-DD
}

// =============================================================================
// MISC TYPES
// =============================================================================

// StatusCountsDTO reports record counts per pipeline status.
type StatusCountsDTO struct {
	Counts map[string]int `json:"counts"`
}

// RepairResultDTO reports the outcome of a supersede repair pass.
type RepairResultDTO struct {
	ConversationID string `json:"conversation_id"`
	Repaired       bool   `json:"repaired"`
	AnalysisCount  int    `json:"analysis_count,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := floatOf(*d)
	return &f
}

func toEvidenceDTO(e coach.Evidence) EvidenceDTO {
	return EvidenceDTO{
		TurnIndex: e.TurnIndex,
		Speaker:   e.Speaker,
		Quote:     e.Quote,
		IssueType: e.IssueType,
		Severity:  string(e.Severity),
	}
}
