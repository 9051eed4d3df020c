package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coach-engine/coach"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConversation(id coach.ConversationID) coach.ConversationRecord {
	now := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)
	return coach.ConversationRecord{
		ConversationID: id,
		AgentID:        "agent-7",
		Artifacts: coach.ArtifactRefs{
			TranscriptURI: fmt.Sprintf("s3://calls/%s/transcript.json", id),
			MetadataURI:   fmt.Sprintf("s3://calls/%s/metadata.json", id),
		},
		HasTranscript: true,
		HasMetadata:   true,
		Status:        coach.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testAnalysis(conv coach.ConversationID, at time.Time, score int, current bool) coach.AnalysisRecord {
	assessments := []coach.DimensionAssessment{{
		Dimension: "empathy",
		Score:     coach.NewScoreFromInt(score),
		Evidence: []coach.Evidence{{
			TurnIndex: 3,
			Speaker:   "AGENT",
			Quote:     "Let me look into that for you.",
			IssueType: "empathy_gap",
			Severity:  coach.SeverityMedium,
		}},
	}}
	return coach.AnalysisRecord{
		AnalysisID:         coach.AnalysisID(fmt.Sprintf("an-%s-%d", conv, at.UnixNano())),
		ConversationID:     conv,
		AgentID:            "agent-7",
		AnalyzedAt:         at,
		Assessments:        assessments,
		OverallScore:       coach.ComputeOverall(assessments),
		ResolutionAchieved: true,
		SituationSummary:   "Billing dispute",
		IsCurrent:          current,
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestSQLite_MergeConversation_AccumulatesArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testConversation("c-1")
	rec.Artifacts.MetadataURI = ""
	rec.HasMetadata = false

	got, err := store.MergeConversation(ctx, rec)
	require.NoError(t, err)
	assert.False(t, got.HasMetadata)

	// Second sighting brings the metadata; transcript must survive.
	later := testConversation("c-1")
	later.Artifacts.TranscriptURI = ""
	later.HasTranscript = false

	got, err = store.MergeConversation(ctx, later)
	require.NoError(t, err)
	assert.True(t, got.HasTranscript)
	assert.True(t, got.HasMetadata)
	assert.NotEmpty(t, got.Artifacts.TranscriptURI)
	assert.NotEmpty(t, got.Artifacts.MetadataURI)
}

func TestSQLite_MergeConversation_NeverRegressesStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.MergeConversation(ctx, testConversation("c-2"))
	require.NoError(t, err)
	require.NoError(t, store.AdvanceStatus(ctx, "c-2", coach.StatusNew, coach.StatusIngested,
		time.Date(2026, time.July, 6, 10, 0, 0, 0, time.UTC)))

	got, err := store.MergeConversation(ctx, testConversation("c-2"))
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, got.Status, "re-registration must not reset status")
	assert.NotNil(t, got.IngestedAt)
}

func TestSQLite_AdvanceStatus_ConditionalWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 6, 10, 0, 0, 0, time.UTC)

	_, err := store.MergeConversation(ctx, testConversation("c-3"))
	require.NoError(t, err)

	require.NoError(t, store.AdvanceStatus(ctx, "c-3", coach.StatusNew, coach.StatusIngested, at))

	// Same transition again: the from-status no longer matches.
	err = store.AdvanceStatus(ctx, "c-3", coach.StatusNew, coach.StatusIngested, at)
	var stale *coach.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, coach.StatusNew, stale.Expected)
	assert.Equal(t, coach.StatusIngested, stale.Attempted)

	// Unknown record is a not-found, not a race.
	err = store.AdvanceStatus(ctx, "c-missing", coach.StatusNew, coach.StatusIngested, at)
	assert.ErrorIs(t, err, coach.ErrConversationNotFound)

	got, err := store.GetConversation(ctx, "c-3")
	require.NoError(t, err)
	require.NotNil(t, got.IngestedAt)
	assert.True(t, got.IngestedAt.Equal(at), "stage timestamp stamped on advance")
}

func TestSQLite_MarkFailedAndReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 6, 10, 0, 0, 0, time.UTC)

	_, err := store.MergeConversation(ctx, testConversation("c-4"))
	require.NoError(t, err)
	require.NoError(t, store.AdvanceStatus(ctx, "c-4", coach.StatusNew, coach.StatusIngested, at))
	require.NoError(t, store.MarkFailed(ctx, "c-4", "enrichment timeout", at.Add(time.Minute)))

	got, err := store.GetConversation(ctx, "c-4")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "enrichment timeout", got.LastError)

	require.NoError(t, store.ResetStatus(ctx, "c-4", coach.StatusFailed, coach.StatusIngested))
	got, err = store.GetConversation(ctx, "c-4")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, got.Status)
	assert.True(t, got.IngestedAt.Equal(at), "reset must not re-stamp the stage timestamp")
}

func TestSQLite_ListByStatus_OldestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := testConversation(coach.ConversationID(fmt.Sprintf("c-%d", i)))
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		_, err := store.MergeConversation(ctx, rec)
		require.NoError(t, err)
	}

	got, err := store.ListByStatus(ctx, []coach.Status{coach.StatusNew}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, coach.ConversationID("c-0"), got[0].ConversationID)
	assert.Equal(t, coach.ConversationID("c-1"), got[1].ConversationID)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[coach.StatusNew])
}

// =============================================================================
// ANALYSES AND SUPERSEDE ATOMICITY
// =============================================================================

func TestSQLite_SupersedeChain_ExactlyOneCurrent(t *testing.T) {
	// Drive the store through the real EvidenceStore so supersede-then-insert
	// runs inside WithTx, then verify the invariant at the SQL level.

	store := newTestStore(t)
	evidence := coach.NewEvidenceStore(store, store, nil)
	ctx := context.Background()

	base := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)
	var last coach.AnalysisID
	for i := 0; i < 3; i++ {
		id, err := evidence.RecordAnalysis(ctx, coach.RecordInput{
			ConversationID: "c-5",
			AgentID:        "agent-7",
			Assessments: []coach.DimensionAssessment{{
				Dimension: "empathy", Score: coach.NewScoreFromInt(5 + i),
			}},
			AnalyzedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		last = id
	}

	all, err := store.ListAnalyses(ctx, "c-5")
	require.NoError(t, err)
	require.Len(t, all, 3)

	current := 0
	for _, a := range all {
		if a.IsCurrent {
			current++
			assert.Equal(t, last, a.AnalysisID)
		}
	}
	assert.Equal(t, 1, current)
}

func TestSQLite_OneCurrentEnforcedByIndex(t *testing.T) {
	// The partial unique index must reject a second current row even when a
	// caller bypasses the supersede sequence.

	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertAnalysis(ctx, testAnalysis("c-6", at, 5, true)))
	err := store.InsertAnalysis(ctx, testAnalysis("c-6", at.Add(time.Hour), 7, true))
	assert.Error(t, err, "database must reject a second current row per conversation")
}

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)

	first := testAnalysis("c-7", at, 5, true)
	require.NoError(t, store.InsertAnalysis(ctx, first))

	boom := errors.New("mid-transaction failure")
	err := store.WithTx(ctx, func(tx coach.AnalysisStore) error {
		if err := tx.MarkSuperseded(ctx, first.AnalysisID, "an-next"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The supersede flip must have rolled back with the failed transaction.
	cur, err := store.GetCurrentAnalysis(ctx, "c-7")
	require.NoError(t, err)
	assert.Equal(t, first.AnalysisID, cur.AnalysisID)
	assert.True(t, cur.IsCurrent)
	assert.Empty(t, cur.SupersededBy)
}

func TestSQLite_ListCurrentInRange_BoundariesAndPrecision(t *testing.T) {
	// Rows with sub-second analyzed_at values must still sort and filter
	// correctly against whole-second range boundaries.

	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	inRange := testAnalysis("r-1", day, 5, true)                                  // exactly at the lower bound
	fractional := testAnalysis("r-2", day.Add(500*time.Millisecond), 6, true)     // sub-second
	superseded := testAnalysis("r-3", day.Add(time.Hour), 4, false)               // not current
	nextDay := testAnalysis("r-4", day.AddDate(0, 0, 1), 7, true)                 // at the exclusive end
	for _, a := range []coach.AnalysisRecord{inRange, fractional, superseded, nextDay} {
		require.NoError(t, store.InsertAnalysis(ctx, a))
	}

	got, err := store.ListCurrentInRange(ctx, "agent-7", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, coach.ConversationID("r-1"), got[0].ConversationID)
	assert.Equal(t, coach.ConversationID("r-2"), got[1].ConversationID)
	assert.True(t, got[1].AnalyzedAt.Equal(day.Add(500*time.Millisecond)), "sub-second precision must round-trip")
}

func TestSQLite_ListSubjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	a := testAnalysis("s-1", day.Add(time.Hour), 5, true)
	b := testAnalysis("s-2", day.Add(2*time.Hour), 6, true)
	b.AgentID = "agent-9"
	require.NoError(t, store.InsertAnalysis(ctx, a))
	require.NoError(t, store.InsertAnalysis(ctx, b))

	subjects, err := store.ListSubjects(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []coach.AgentID{"agent-7", "agent-9"}, subjects)
}

// =============================================================================
// CITATIONS
// =============================================================================

func TestSQLite_Citations_RoundTripAndDocumentAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.July, 6, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertCitations(ctx, []coach.CitationRecord{
		{AnalysisID: "an-1", DocID: "policy-refunds", DocVersion: "v6", RelevanceScore: decimal.NewFromFloat(0.70), RetrievedAt: at},
		{AnalysisID: "an-1", DocID: "policy-billing", DocVersion: "v3", RelevanceScore: decimal.NewFromFloat(0.90), RetrievedAt: at},
		{AnalysisID: "an-2", DocID: "policy-refunds", DocVersion: "v7", RelevanceScore: decimal.NewFromFloat(0.80), RetrievedAt: at.Add(time.Hour)},
	}))

	byAnalysis, err := store.ListCitations(ctx, "an-1")
	require.NoError(t, err)
	require.Len(t, byAnalysis, 2)
	assert.Equal(t, "policy-billing", byAnalysis[0].DocID, "most relevant citation first")

	v7, err := store.ListCitationsByDocument(ctx, "policy-refunds", "v7")
	require.NoError(t, err)
	require.Len(t, v7, 1)
	assert.Equal(t, coach.AnalysisID("an-2"), v7[0].AnalysisID)

	allVersions, err := store.ListCitationsByDocument(ctx, "policy-refunds", "")
	require.NoError(t, err)
	assert.Len(t, allVersions, 2)
}

// =============================================================================
// AGGREGATES
// =============================================================================

func testAggregate(subject coach.AgentID, start time.Time) coach.PeriodAggregate {
	avg := decimal.NewFromFloat(6.5)
	rate := decimal.NewFromFloat(0.75)
	return coach.PeriodAggregate{
		SubjectID:         subject,
		PeriodType:        coach.PeriodDay,
		PeriodStart:       start,
		CallCount:         4,
		DimensionAverages: map[string]decimal.Decimal{"empathy": decimal.NewFromInt(6)},
		OverallAvg:        &avg,
		ResolutionRate:    &rate,
		IssueCounts:       map[string]int{"empathy_gap": 2},
		TopIssues:         []string{"empathy_gap"},
		WorstConversations: []coach.ConversationRef{{
			ConversationID: "c-1",
			Headline:       "Billing dispute",
			OverallScore:   decimal.NewFromInt(3),
			AnalyzedAt:     start.Add(time.Hour),
		}},
		GeneratedAt: start.AddDate(0, 0, 1),
	}
}

func TestSQLite_Aggregate_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutAggregate(ctx, testAggregate("agent-7", day)))

	got, err := store.GetAggregate(ctx, "agent-7", coach.PeriodDay, day)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CallCount)
	require.NotNil(t, got.OverallAvg)
	assert.True(t, got.OverallAvg.Equal(decimal.NewFromFloat(6.5)))
	assert.True(t, got.DimensionAverages["empathy"].Equal(decimal.NewFromInt(6)))
	require.Len(t, got.WorstConversations, 1)
	assert.Equal(t, coach.ConversationID("c-1"), got.WorstConversations[0].ConversationID)
	assert.Nil(t, got.OverallDelta, "absent delta must come back nil, not zero")

	_, err = store.GetAggregate(ctx, "agent-7", coach.PeriodDay, day.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, coach.ErrAggregateNotFound)
}

func TestSQLite_Aggregate_ZeroCallRowRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.July, 7, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutAggregate(ctx, coach.PeriodAggregate{
		SubjectID:   "agent-7",
		PeriodType:  coach.PeriodDay,
		PeriodStart: day,
		GeneratedAt: day.AddDate(0, 0, 1),
	}))

	got, err := store.GetAggregate(ctx, "agent-7", coach.PeriodDay, day)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CallCount)
	assert.Nil(t, got.OverallAvg)
	assert.Nil(t, got.ResolutionRate)
	assert.Empty(t, got.WorstConversations)
}

func TestSQLite_Aggregate_RecomputePreservesNarrative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutAggregate(ctx, testAggregate("agent-7", day)))
	require.NoError(t, store.UpdateNarrative(ctx, "agent-7", coach.PeriodDay, day,
		"A steady day.", []string{"Keep it up."}, "", day.AddDate(0, 0, 1)))

	// Numeric recompute with different numbers.
	updated := testAggregate("agent-7", day)
	updated.CallCount = 5
	require.NoError(t, store.PutAggregate(ctx, updated))

	got, err := store.GetAggregate(ctx, "agent-7", coach.PeriodDay, day)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CallCount)
	assert.Equal(t, "A steady day.", got.Narrative, "narrative must survive a numeric upsert")
	assert.Equal(t, []string{"Keep it up."}, got.RecommendedActions)
	assert.NotNil(t, got.NarrativeGeneratedAt)
}

func TestSQLite_UpdateNarrative_MissingRow(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateNarrative(context.Background(), "agent-7", coach.PeriodDay,
		time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC),
		"narrative", nil, "", time.Now())
	assert.ErrorIs(t, err, coach.ErrAggregateNotFound)
}

func TestSQLite_ListAggregates_RangeOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	monday := time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.PutAggregate(ctx, testAggregate("agent-7", monday.AddDate(0, 0, i))))
	}

	got, err := store.ListAggregates(ctx, "agent-7", coach.PeriodDay, monday, monday.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, got, 2, "range end is exclusive")
	assert.True(t, got[0].PeriodStart.Equal(monday))
	assert.True(t, got[1].PeriodStart.Equal(monday.AddDate(0, 0, 1)))
}
