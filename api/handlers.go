/*
handlers.go - HTTP API handlers for the conversation coaching engine

PURPOSE:
  Exposes the coaching engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Conversations:
    POST   /api/conversations                Register an artifact sighting
    GET    /api/conversations/{id}           Pipeline state
    POST   /api/conversations/{id}/retry     Retry a FAILED conversation
    GET    /api/conversations/failed         Operator queue
    GET    /api/conversations/status-counts  Monitoring counts

  Analyses:
    GET    /api/conversations/{id}/analysis  Current analysis
    GET    /api/conversations/{id}/analyses  Full history, newest first
    GET    /api/analyses/{id}/citations      Citations for an analysis

  Documents:
    GET    /api/documents/{docID}/citations  Which analyses cited a document

  Aggregates:
    GET    /api/agents/{id}/aggregates/{periodType}  One row (?start=) or
                                                     a range (?from=&to=)

  Admin:
    POST   /api/admin/aggregate              Manual roll-up trigger
    POST   /api/admin/repair/{id}            Supersede invariant repair

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (lost status race, retry ceiling)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background aggregation (the automated path)
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/coach-engine/coach"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *coach.Ledger
	Evidence   *coach.EvidenceStore
	Citations  *coach.CitationTracker
	Aggregates coach.AggregateStore
	Aggregator *coach.Aggregator
}

// NewHandler creates a handler over the domain services.
func NewHandler(ledger *coach.Ledger, evidence *coach.EvidenceStore, citations *coach.CitationTracker,
	aggregates coach.AggregateStore, aggregator *coach.Aggregator) *Handler {
	return &Handler{
		Ledger:     ledger,
		Evidence:   evidence,
		Citations:  citations,
		Aggregates: aggregates,
		Aggregator: aggregator,
	}
}

// =============================================================================
// CONVERSATION HANDLERS
// =============================================================================

// RegisterConversation upserts a conversation record from an artifact
// sighting. Idempotent: re-posting the same artifacts yields one record.
// POST /api/conversations
func (h *Handler) RegisterConversation(w http.ResponseWriter, r *http.Request) {
	var req RegisterConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required", nil)
		return
	}

	rec, err := h.Ledger.Register(r.Context(),
		coach.ConversationID(req.ConversationID),
		coach.AgentID(req.AgentID),
		coach.ArtifactRefs{
			TranscriptURI: req.TranscriptURI,
			MetadataURI:   req.MetadataURI,
			AudioURI:      req.AudioURI,
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(rec))
}

// GetConversation returns pipeline state for one conversation.
// GET /api/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := coach.ConversationID(chi.URLParam(r, "id"))

	rec, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(rec))
}

// RetryConversation resets a FAILED conversation to its last completed
// status. Past the retry ceiling this returns 409 with the last error.
// POST /api/conversations/{id}/retry
func (h *Handler) RetryConversation(w http.ResponseWriter, r *http.Request) {
	id := coach.ConversationID(chi.URLParam(r, "id"))

	rec, err := h.Ledger.Retry(r.Context(), id)
	if err != nil {
		var notRetryable *coach.NotRetryableError
		if errors.As(err, &notRetryable) {
			writeError(w, http.StatusConflict, "Retry ceiling exceeded", err)
			return
		}
		writeDomainError(w, "Failed to retry conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(rec))
}

// ListFailedConversations is the operator queue.
// GET /api/conversations/failed
func (h *Handler) ListFailedConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	recs, err := h.Ledger.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list failed conversations", err)
		return
	}
	dtos := make([]ConversationDTO, len(recs))
	for i := range recs {
		dtos[i] = toConversationDTO(&recs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStatusCounts reports record counts per status.
// GET /api/conversations/status-counts
func (h *Handler) GetStatusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Ledger.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count statuses", err)
		return
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, StatusCountsDTO{Counts: out})
}

// =============================================================================
// ANALYSIS HANDLERS
// =============================================================================

// GetCurrentAnalysis returns the single current analysis.
// GET /api/conversations/{id}/analysis
func (h *Handler) GetCurrentAnalysis(w http.ResponseWriter, r *http.Request) {
	id := coach.ConversationID(chi.URLParam(r, "id"))

	rec, err := h.Evidence.GetCurrent(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get current analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisDTO(rec))
}

// GetAnalysisHistory returns every analysis, newest first.
// GET /api/conversations/{id}/analyses
func (h *Handler) GetAnalysisHistory(w http.ResponseWriter, r *http.Request) {
	id := coach.ConversationID(chi.URLParam(r, "id"))

	recs, err := h.Evidence.GetHistory(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get analysis history", err)
		return
	}
	dtos := make([]AnalysisDTO, len(recs))
	for i := range recs {
		dtos[i] = toAnalysisDTO(&recs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCitations returns the citations recorded for an analysis.
// GET /api/analyses/{id}/citations
func (h *Handler) GetCitations(w http.ResponseWriter, r *http.Request) {
	id := coach.AnalysisID(chi.URLParam(r, "id"))

	citations, err := h.Citations.GetCitations(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get citations", err)
		return
	}
	writeJSON(w, http.StatusOK, toCitationDTOs(citations))
}

// GetDocumentCitations is the audit query: which analyses relied on a
// document. Optional ?version= narrows to one document version.
// GET /api/documents/{docID}/citations
func (h *Handler) GetDocumentCitations(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	version := r.URL.Query().Get("version")

	citations, err := h.Citations.AnalysesCitingDocument(r.Context(), docID, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get document citations", err)
		return
	}
	writeJSON(w, http.StatusOK, toCitationDTOs(citations))
}

// =============================================================================
// AGGREGATE HANDLERS
// =============================================================================

// GetAggregates returns one aggregate (?start=YYYY-MM-DD) or a range
// (?from=&to=) for a subject and period type.
// GET /api/agents/{id}/aggregates/{periodType}
func (h *Handler) GetAggregates(w http.ResponseWriter, r *http.Request) {
	subject := coach.AgentID(chi.URLParam(r, "id"))
	pt, ok := parsePeriodType(chi.URLParam(r, "periodType"))
	if !ok {
		writeError(w, http.StatusBadRequest, "period type must be day, week or month", nil)
		return
	}

	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD", err)
			return
		}
		agg, err := h.Aggregates.GetAggregate(r.Context(), subject, pt, coach.PeriodStartOf(pt, start))
		if err != nil {
			writeDomainError(w, "Failed to get aggregate", err)
			return
		}
		writeJSON(w, http.StatusOK, toAggregateDTO(agg))
		return
	}

	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD", err)
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD", err)
		return
	}

	aggs, err := h.Aggregates.ListAggregates(r.Context(), subject, pt, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list aggregates", err)
		return
	}
	dtos := make([]AggregateDTO, len(aggs))
	for i := range aggs {
		dtos[i] = toAggregateDTO(&aggs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerAggregate recomputes one aggregate on demand. The scheduler does
// this automatically for closed periods; the endpoint exists for backfills.
// POST /api/admin/aggregate
func (h *Handler) TriggerAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pt, ok := parsePeriodType(req.PeriodType)
	if !ok {
		writeError(w, http.StatusBadRequest, "period_type must be day, week or month", nil)
		return
	}
	start, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "period_start must be YYYY-MM-DD", err)
		return
	}

	subject := coach.AgentID(req.SubjectID)
	var agg *coach.PeriodAggregate
	switch pt {
	case coach.PeriodDay:
		agg, err = h.Aggregator.AggregateDay(r.Context(), subject, start)
	case coach.PeriodWeek:
		agg, err = h.Aggregator.AggregateWeek(r.Context(), subject, start)
	case coach.PeriodMonth:
		agg, err = h.Aggregator.AggregateMonth(r.Context(), subject, start)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// RepairSupersede checks and repairs the exactly-one-current invariant for
// one conversation. Safe to call when the invariant holds.
// POST /api/admin/repair/{id}
func (h *Handler) RepairSupersede(w http.ResponseWriter, r *http.Request) {
	id := coach.ConversationID(chi.URLParam(r, "id"))

	detected, err := h.Evidence.RepairOrphanedSupersede(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to repair supersede chain", err)
		return
	}
	result := RepairResultDTO{ConversationID: string(id)}
	if detected != nil {
		result.Repaired = true
		result.AnalysisCount = detected.AnalysisCount
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// CONVERTERS AND HELPERS
// =============================================================================

func toConversationDTO(rec *coach.ConversationRecord) ConversationDTO {
	return ConversationDTO{
		ConversationID:   string(rec.ConversationID),
		AgentID:          string(rec.AgentID),
		Status:           string(rec.Status),
		HasTranscript:    rec.HasTranscript,
		HasMetadata:      rec.HasMetadata,
		HasAudio:         rec.HasAudio,
		RetryCount:       rec.RetryCount,
		LastError:        rec.LastError,
		LatestAnalysisID: string(rec.LatestAnalysisID),
		CreatedAt:        rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        rec.UpdatedAt.Format(time.RFC3339),
		SanitizedAt:      timeStrPtr(rec.SanitizedAt),
		IngestedAt:       timeStrPtr(rec.IngestedAt),
		EnrichedAt:       timeStrPtr(rec.EnrichedAt),
		CoachedAt:        timeStrPtr(rec.CoachedAt),
	}
}

func toAnalysisDTO(rec *coach.AnalysisRecord) AnalysisDTO {
	assessments := make([]AssessmentDTO, len(rec.Assessments))
	for i, a := range rec.Assessments {
		evidence := make([]EvidenceDTO, len(a.Evidence))
		for j, e := range a.Evidence {
			evidence[j] = toEvidenceDTO(e)
		}
		assessments[i] = AssessmentDTO{
			Dimension:     a.Dimension,
			Score:         floatOf(a.Score),
			IssueTypes:    a.IssueTypes,
			Evidence:      evidence,
			CoachingPoint: a.CoachingPoint,
		}
	}
	return AnalysisDTO{
		AnalysisID:         string(rec.AnalysisID),
		ConversationID:     string(rec.ConversationID),
		AgentID:            string(rec.AgentID),
		AnalyzedAt:         rec.AnalyzedAt.Format(time.RFC3339Nano),
		Assessments:        assessments,
		OverallScore:       floatOf(rec.OverallScore),
		CriticalIssueCount: rec.CriticalIssueCount,
		ResolutionAchieved: rec.ResolutionAchieved,
		SituationSummary:   rec.SituationSummary,
		IsCurrent:          rec.IsCurrent,
		SupersededBy:       string(rec.SupersededBy),
		ReanalysisReason:   rec.ReanalysisReason,
		ModelID:            rec.ModelID,
		PromptVersion:      rec.PromptVersion,
	}
}

func toCitationDTOs(citations []coach.CitationRecord) []CitationDTO {
	dtos := make([]CitationDTO, len(citations))
	for i, c := range citations {
		dtos[i] = CitationDTO{
			AnalysisID:     string(c.AnalysisID),
			DocID:          c.DocID,
			DocVersion:     c.DocVersion,
			RelevanceScore: floatOf(c.RelevanceScore),
			RetrievedAt:    c.RetrievedAt.Format(time.RFC3339Nano),
		}
	}
	return dtos
}

func toAggregateDTO(agg *coach.PeriodAggregate) AggregateDTO {
	dims := make(map[string]float64, len(agg.DimensionAverages))
	for dim, avg := range agg.DimensionAverages {
		dims[dim] = floatOf(avg)
	}
	worst := make([]ConversationRefDTO, len(agg.WorstConversations))
	for i, ref := range agg.WorstConversations {
		worst[i] = toRefDTO(ref)
	}
	best := make([]ConversationRefDTO, len(agg.BestConversations))
	for i, ref := range agg.BestConversations {
		best[i] = toRefDTO(ref)
	}
	var narratedAt *string
	if agg.NarrativeGeneratedAt != nil {
		s := agg.NarrativeGeneratedAt.Format(time.RFC3339)
		narratedAt = &s
	}
	return AggregateDTO{
		SubjectID:            string(agg.SubjectID),
		PeriodType:           string(agg.PeriodType),
		PeriodStart:          agg.PeriodStart.Format("2006-01-02"),
		CallCount:            agg.CallCount,
		DimensionAverages:    dims,
		OverallAvg:           floatPtr(agg.OverallAvg),
		ResolutionRate:       floatPtr(agg.ResolutionRate),
		IssueCounts:          agg.IssueCounts,
		TopIssues:            agg.TopIssues,
		CriticalIssueCount:   agg.CriticalIssueCount,
		OverallDelta:         floatPtr(agg.OverallDelta),
		Trend:                agg.Trend,
		WorstConversations:   worst,
		BestConversations:    best,
		Narrative:            agg.Narrative,
		RecommendedActions:   agg.RecommendedActions,
		NarrativeError:       agg.NarrativeError,
		NarrativeGeneratedAt: narratedAt,
		GeneratedAt:          agg.GeneratedAt.Format(time.RFC3339),
	}
}

func toRefDTO(ref coach.ConversationRef) ConversationRefDTO {
	dto := ConversationRefDTO{
		ConversationID:     string(ref.ConversationID),
		Headline:           ref.Headline,
		OverallScore:       floatOf(ref.OverallScore),
		CriticalIssueCount: ref.CriticalIssueCount,
		AnalyzedAt:         ref.AnalyzedAt.Format(time.RFC3339Nano),
	}
	if ref.KeyEvidence != nil {
		e := toEvidenceDTO(*ref.KeyEvidence)
		dto.KeyEvidence = &e
	}
	return dto
}

func parsePeriodType(s string) (coach.PeriodType, bool) {
	switch s {
	case "day", "DAY":
		return coach.PeriodDay, true
	case "week", "WEEK":
		return coach.PeriodWeek, true
	case "month", "MONTH":
		return coach.PeriodMonth, true
	default:
		return "", false
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func timeStrPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case coach.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case coach.IsRecoverableRace(err):
		writeError(w, http.StatusConflict, message, err)
	case coach.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
