package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coach-engine/coach"
	"github.com/warp/coach-engine/coach/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	router   http.Handler
	ledger   *coach.Ledger
	evidence *coach.EvidenceStore
	mem      *store.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	ledger := coach.NewLedger(mem)
	evidence := coach.NewEvidenceStore(mem, mem, ledger)
	citations := coach.NewCitationTracker(mem, mem)
	aggregator := coach.NewAggregator(mem, mem)

	h := NewHandler(ledger, evidence, citations, mem, aggregator)
	return &testAPI{router: NewRouter(h), ledger: ledger, evidence: evidence, mem: mem}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func (a *testAPI) seedCoached(t *testing.T, id coach.ConversationID, agent coach.AgentID, at time.Time, score float64) coach.AnalysisID {
	t.Helper()
	ctx := context.Background()
	_, err := a.ledger.Register(ctx, id, agent, coach.ArtifactRefs{
		TranscriptURI: fmt.Sprintf("s3://calls/%s/transcript.json", id),
		MetadataURI:   fmt.Sprintf("s3://calls/%s/metadata.json", id),
	})
	require.NoError(t, err)

	analysisID, err := a.evidence.RecordAnalysis(ctx, coach.RecordInput{
		ConversationID: id,
		AgentID:        agent,
		Assessments: []coach.DimensionAssessment{{
			Dimension: "empathy",
			Score:     coach.NewScore(score),
		}},
		Citations: []coach.CitationRecord{
			{DocID: "policy-refunds", DocVersion: "v7", RelevanceScore: coach.NewScore(0.9)},
		},
		SituationSummary:   "Billing dispute",
		ResolutionAchieved: true,
		AnalyzedAt:         at,
	})
	require.NoError(t, err)
	return analysisID
}

// =============================================================================
// CONVERSATION ENDPOINTS
// =============================================================================

func TestAPI_RegisterConversation(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, "POST", "/api/conversations", RegisterConversationRequest{
		ConversationID: "c-1",
		AgentID:        "agent-7",
		TranscriptURI:  "s3://calls/c-1/transcript.json",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	dto := decode[ConversationDTO](t, rr)
	assert.Equal(t, "c-1", dto.ConversationID)
	assert.Equal(t, "NEW", dto.Status)
	assert.True(t, dto.HasTranscript)
	assert.False(t, dto.HasMetadata)

	// Idempotent: the second sighting merges onto the same record.
	rr = api.do(t, "POST", "/api/conversations", RegisterConversationRequest{
		ConversationID: "c-1",
		MetadataURI:    "s3://calls/c-1/metadata.json",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	dto = decode[ConversationDTO](t, rr)
	assert.True(t, dto.HasTranscript)
	assert.True(t, dto.HasMetadata)
}

func TestAPI_RegisterConversation_RequiresID(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, "POST", "/api/conversations", RegisterConversationRequest{AgentID: "agent-7"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_GetConversation_NotFound(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, "GET", "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	body := decode[ErrorResponse](t, rr)
	assert.NotEmpty(t, body.Error)
}

func TestAPI_RetryConversation(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, err := api.ledger.Register(ctx, "c-2", "agent-7", coach.ArtifactRefs{
		TranscriptURI: "s3://t", MetadataURI: "s3://m",
	})
	require.NoError(t, err)
	require.NoError(t, api.ledger.MarkFailed(ctx, "c-2", errors.New("boom")))

	rr := api.do(t, "POST", "/api/conversations/c-2/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	dto := decode[ConversationDTO](t, rr)
	assert.Equal(t, "NEW", dto.Status)
}

func TestAPI_RetryConversation_CeilingIs409(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, err := api.ledger.Register(ctx, "c-3", "agent-7", coach.ArtifactRefs{TranscriptURI: "s3://t"})
	require.NoError(t, err)
	for i := 0; i < coach.DefaultRetryCeiling+1; i++ {
		require.NoError(t, api.ledger.MarkFailed(ctx, "c-3", errors.New("persistent failure")))
	}

	rr := api.do(t, "POST", "/api/conversations/c-3/retry", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	body := decode[ErrorResponse](t, rr)
	assert.Contains(t, body.Details, "persistent failure")
}

func TestAPI_FailedQueueAndStatusCounts(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, err := api.ledger.Register(ctx, "c-ok", "agent-7", coach.ArtifactRefs{TranscriptURI: "s3://t"})
	require.NoError(t, err)
	_, err = api.ledger.Register(ctx, "c-bad", "agent-7", coach.ArtifactRefs{TranscriptURI: "s3://t"})
	require.NoError(t, err)
	require.NoError(t, api.ledger.MarkFailed(ctx, "c-bad", errors.New("boom")))

	rr := api.do(t, "GET", "/api/conversations/failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	failed := decode[[]ConversationDTO](t, rr)
	require.Len(t, failed, 1)
	assert.Equal(t, "c-bad", failed[0].ConversationID)
	assert.Equal(t, "boom", failed[0].LastError)

	rr = api.do(t, "GET", "/api/conversations/status-counts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	counts := decode[StatusCountsDTO](t, rr)
	assert.Equal(t, 1, counts.Counts["NEW"])
	assert.Equal(t, 1, counts.Counts["FAILED"])
}

// =============================================================================
// ANALYSIS ENDPOINTS
// =============================================================================

func TestAPI_CurrentAnalysisAndHistory(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)

	first := api.seedCoached(t, "c-4", "agent-7", at, 5)
	second := api.seedCoached(t, "c-4", "agent-7", at.Add(time.Hour), 7)

	rr := api.do(t, "GET", "/api/conversations/c-4/analysis", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cur := decode[AnalysisDTO](t, rr)
	assert.Equal(t, string(second), cur.AnalysisID)
	assert.True(t, cur.IsCurrent)
	assert.InDelta(t, 7.0, cur.OverallScore, 0.0001)

	rr = api.do(t, "GET", "/api/conversations/c-4/analyses", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[[]AnalysisDTO](t, rr)
	require.Len(t, history, 2)
	assert.Equal(t, string(second), history[0].AnalysisID)
	assert.Equal(t, string(first), history[1].AnalysisID)
	assert.Equal(t, string(second), history[1].SupersededBy)
}

func TestAPI_CitationsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)
	analysisID := api.seedCoached(t, "c-5", "agent-7", at, 6)

	rr := api.do(t, "GET", "/api/analyses/"+string(analysisID)+"/citations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cits := decode[[]CitationDTO](t, rr)
	require.Len(t, cits, 1)
	assert.Equal(t, "policy-refunds", cits[0].DocID)
	assert.Equal(t, "v7", cits[0].DocVersion)

	rr = api.do(t, "GET", "/api/documents/policy-refunds/citations?version=v7", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	audit := decode[[]CitationDTO](t, rr)
	require.Len(t, audit, 1)
	assert.Equal(t, string(analysisID), audit[0].AnalysisID)
}

// =============================================================================
// AGGREGATE ENDPOINTS
// =============================================================================

func TestAPI_AggregateLifecycle(t *testing.T) {
	api := newTestAPI(t)
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)
	api.seedCoached(t, "c-6", "agent-7", day.Add(10*time.Hour), 4)
	api.seedCoached(t, "c-7", "agent-7", day.Add(11*time.Hour), 8)

	// Not computed yet: 404, distinct from a computed zero-call row.
	rr := api.do(t, "GET", "/api/agents/agent-7/aggregates/day?start=2026-07-06", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Manual trigger computes and stores the roll-up.
	rr = api.do(t, "POST", "/api/admin/aggregate", AggregateRequest{
		SubjectID:   "agent-7",
		PeriodType:  "day",
		PeriodStart: "2026-07-06",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	agg := decode[AggregateDTO](t, rr)
	assert.Equal(t, 2, agg.CallCount)
	require.NotNil(t, agg.OverallAvg)
	assert.InDelta(t, 6.0, *agg.OverallAvg, 0.0001)
	assert.Nil(t, agg.OverallDelta, "no previous day: delta must be null")

	rr = api.do(t, "GET", "/api/agents/agent-7/aggregates/day?start=2026-07-06", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[AggregateDTO](t, rr)
	assert.Equal(t, 2, got.CallCount)
	assert.Equal(t, "2026-07-06", got.PeriodStart)

	// Range query spans the computed day.
	rr = api.do(t, "GET", "/api/agents/agent-7/aggregates/day?from=2026-07-01&to=2026-07-08", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]AggregateDTO](t, rr)
	require.Len(t, list, 1)
}

func TestAPI_Aggregates_BadPeriodType(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, "GET", "/api/agents/agent-7/aggregates/fortnight?start=2026-07-06", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// ADMIN REPAIR
// =============================================================================

func TestAPI_RepairSupersede(t *testing.T) {
	api := newTestAPI(t)
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)
	analysisID := api.seedCoached(t, "c-8", "agent-7", at, 6)

	// Healthy chain: nothing repaired.
	rr := api.do(t, "POST", "/api/admin/repair/c-8", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decode[RepairResultDTO](t, rr)
	assert.False(t, result.Repaired)

	// Break the invariant, then repair it through the endpoint.
	require.NoError(t, api.mem.MarkSuperseded(context.Background(), analysisID, "an-never-inserted"))

	rr = api.do(t, "POST", "/api/admin/repair/c-8", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	result = decode[RepairResultDTO](t, rr)
	assert.True(t, result.Repaired)
	assert.Equal(t, 1, result.AnalysisCount)

	rr = api.do(t, "GET", "/api/conversations/c-8/analysis", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "current analysis restored by the repair")
}
