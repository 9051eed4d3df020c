package coach_test

import (
	"context"
	"errors"
	"sync"
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

func newTestLedger() (*coach.Ledger, *store.Memory) {
	mem := store.NewMemory()
	ledger := coach.NewLedger(mem)
	return ledger, mem
}

func fullRefs() coach.ArtifactRefs {
	return coach.ArtifactRefs{
		TranscriptURI: "s3://calls/c-1/transcript.json",
		MetadataURI:   "s3://calls/c-1/metadata.json",
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestLedger_Register_Idempotent(t *testing.T) {
	// GIVEN: A conversation already registered with its artifacts
	// WHEN: The same sighting is registered again
	// THEN: Exactly one record exists, unchanged

	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.Register(ctx, "c-1", "agent-7", fullRefs())
	require.NoError(t, err)

	second, err := ledger.Register(ctx, "c-1", "agent-7", fullRefs())
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, coach.StatusNew, second.Status)
	assert.True(t, second.HasTranscript)
	assert.True(t, second.HasMetadata)

	counts, err := ledger.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[coach.StatusNew], "re-registration must not create a second record")
}

func TestLedger_Register_LateMetadataMerges(t *testing.T) {
	// GIVEN: A transcript arrives first, without metadata
	// WHEN: The metadata sighting arrives later
	// THEN: The flags merge onto the same record and it becomes ingestable

	ledger, _ := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Register(ctx, "c-2", "agent-7", coach.ArtifactRefs{
		TranscriptURI: "s3://calls/c-2/transcript.json",
	})
	require.NoError(t, err)
	assert.False(t, rec.ReadyForIngestion(), "must not be ingestable without metadata")

	rec, err = ledger.Register(ctx, "c-2", "agent-7", coach.ArtifactRefs{
		MetadataURI: "s3://calls/c-2/metadata.json",
	})
	require.NoError(t, err)

	assert.True(t, rec.HasTranscript, "earlier flag must survive the merge")
	assert.True(t, rec.HasMetadata)
	assert.True(t, rec.ReadyForIngestion())
}

func TestLedger_Register_NeverRegressesStatus(t *testing.T) {
	// GIVEN: A conversation already advanced to INGESTED
	// WHEN: A duplicate artifact sighting re-registers it
	// THEN: The status stays INGESTED

	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-3", "agent-7", fullRefs())
	require.NoError(t, err)
	require.NoError(t, ledger.Advance(ctx, "c-3", coach.StatusNew, coach.StatusIngested))

	rec, err := ledger.Register(ctx, "c-3", "agent-7", fullRefs())
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, rec.Status)
}

// =============================================================================
// CONDITIONAL ADVANCE
// =============================================================================

func TestLedger_Advance_StampsStageTimestamp(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	now := time.Date(2026, time.July, 6, 10, 0, 0, 0, time.UTC)
	ledger.Now = func() time.Time { return now }

	_, err := ledger.Register(ctx, "c-4", "agent-7", fullRefs())
	require.NoError(t, err)

	require.NoError(t, ledger.Advance(ctx, "c-4", coach.StatusNew, coach.StatusIngested))

	rec, err := ledger.Get(ctx, "c-4")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, rec.Status)
	require.NotNil(t, rec.IngestedAt)
	assert.Equal(t, now, *rec.IngestedAt)
}

func TestLedger_Advance_InvalidTransitionFailsFast(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-5", "agent-7", fullRefs())
	require.NoError(t, err)

	// Skipping stages is illegal
	err = ledger.Advance(ctx, "c-5", coach.StatusNew, coach.StatusCoached)
	assert.ErrorIs(t, err, coach.ErrInvalidTransition)

	// Backwards is illegal
	require.NoError(t, ledger.Advance(ctx, "c-5", coach.StatusNew, coach.StatusIngested))
	err = ledger.Advance(ctx, "c-5", coach.StatusIngested, coach.StatusNew)
	assert.ErrorIs(t, err, coach.ErrInvalidTransition)
}

func TestLedger_Advance_ConcurrentSingleWinner(t *testing.T) {
	// GIVEN: A NEW conversation observed by many workers at once
	// WHEN: All of them attempt NEW -> INGESTED concurrently
	// THEN: Exactly one succeeds; every loser sees a StaleStateError

	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-race", "agent-7", fullRefs())
	require.NoError(t, err)

	const workers = 16
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ledger.Advance(ctx, "c-race", coach.StatusNew, coach.StatusIngested)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		var stale *coach.StaleStateError
		assert.ErrorAs(t, err, &stale, "losers must see a StaleStateError")
		assert.True(t, coach.IsRecoverableRace(err))
	}
	assert.Equal(t, 1, winners, "exactly one worker must win the transition")

	rec, err := ledger.Get(ctx, "c-race")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, rec.Status)
}

// =============================================================================
// FAILURE AND RETRY
// =============================================================================

func TestLedger_Retry_ResetsToLastCompletedStatus(t *testing.T) {
	// GIVEN: A conversation that failed during enrichment (after INGESTED)
	// WHEN: It is retried
	// THEN: It resumes from INGESTED, not from the start

	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-6", "agent-7", fullRefs())
	require.NoError(t, err)
	require.NoError(t, ledger.Advance(ctx, "c-6", coach.StatusNew, coach.StatusIngested))
	require.NoError(t, ledger.MarkFailed(ctx, "c-6", errors.New("enrichment timeout")))

	rec, err := ledger.Get(ctx, "c-6")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "enrichment timeout", rec.LastError)

	rec, err = ledger.Retry(ctx, "c-6")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusIngested, rec.Status)
	assert.NotNil(t, rec.IngestedAt, "stage timestamps survive the failure")
}

func TestLedger_Retry_NonFailedIsNoOp(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-7", "agent-7", fullRefs())
	require.NoError(t, err)

	rec, err := ledger.Retry(ctx, "c-7")
	require.NoError(t, err)
	assert.Equal(t, coach.StatusNew, rec.Status)
}

func TestLedger_Retry_CeilingSurfacesOperatorError(t *testing.T) {
	// GIVEN: A conversation that failed more times than the ceiling allows
	// WHEN: Another retry is attempted
	// THEN: NotRetryableError carries the context an operator needs

	ledger, _ := newTestLedger()
	ledger.RetryCeiling = 2
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-8", "agent-7", fullRefs())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.MarkFailed(ctx, "c-8", errors.New("model unavailable")))
	}

	_, err = ledger.Retry(ctx, "c-8")
	var notRetryable *coach.NotRetryableError
	require.ErrorAs(t, err, &notRetryable)
	assert.Equal(t, 3, notRetryable.RetryCount)
	assert.Equal(t, 2, notRetryable.Ceiling)
	assert.Equal(t, "model unavailable", notRetryable.LastError)
	assert.False(t, coach.IsRecoverableRace(err))
}

// =============================================================================
// WORK QUEUES
// =============================================================================

func TestLedger_PendingForIngestion_RequiresBothArtifacts(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-ready", "agent-7", fullRefs())
	require.NoError(t, err)
	_, err = ledger.Register(ctx, "c-partial", "agent-7", coach.ArtifactRefs{
		TranscriptURI: "s3://calls/c-partial/transcript.json",
	})
	require.NoError(t, err)

	pending, err := ledger.PendingForIngestion(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, coach.ConversationID("c-ready"), pending[0].ConversationID)
}

func TestLedger_ListFailed_IsTheOperatorQueue(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.Register(ctx, "c-ok", "agent-7", fullRefs())
	require.NoError(t, err)
	_, err = ledger.Register(ctx, "c-bad", "agent-7", fullRefs())
	require.NoError(t, err)
	require.NoError(t, ledger.MarkFailed(ctx, "c-bad", errors.New("boom")))

	failed, err := ledger.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, coach.ConversationID("c-bad"), failed[0].ConversationID)
	assert.Equal(t, "boom", failed[0].LastError)
}
