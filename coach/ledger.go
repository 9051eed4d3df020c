/*
ledger.go - Conversation Ledger: per-conversation state machine

PURPOSE:
  The Ledger is the authoritative record of each conversation's progress
  through the pipeline, and the idempotency mechanism that keeps processing
  exactly-once despite retries and out-of-order artifact arrivals.

CRITICAL INVARIANTS:
  1. FORWARD-ONLY: status advances NEW → SANITIZED → INGESTED → ENRICHED →
     COACHED, or moves to FAILED from any state. Never backwards.
  2. CONDITIONAL: every advance is a compare-and-swap on the current status.
     Two workers racing the same transition get exactly one winner.
  3. NEVER DELETED: records are permanent. Failures are recorded, not erased.

WHY CONDITIONAL WRITES, NOT LOCKS:
  After a crash and restart, two independent workers may both observe the
  same "ready to ingest" conversation. Both call Advance; the store accepts
  exactly one. The loser receives StaleStateError and skips the item. No
  distributed lock service is required anywhere in the system.

RETRY SEMANTICS:
  MarkFailed keeps the stage timestamps intact, so Retry can reset the
  conversation to the last state it actually completed rather than starting
  over. A configurable ceiling stops infinite retry loops; past it the
  conversation surfaces on the operator queue (ListFailed).

SEE ALSO:
  - store.go: AdvanceStatus / MergeConversation contracts
  - evidence.go: Written once a conversation reaches ENRICHED
*/
package coach

import (
	"context"
	"time"
)

// DefaultRetryCeiling bounds automatic retries before an operator must act.
const DefaultRetryCeiling = 3

// Ledger tracks conversation pipeline state over a ConversationStore.
type Ledger struct {
	Store        ConversationStore
	RetryCeiling int
	Now          func() time.Time // injectable clock for tests
}

// NewLedger creates a Ledger with the default retry ceiling.
func NewLedger(store ConversationStore) *Ledger {
	return &Ledger{Store: store, RetryCeiling: DefaultRetryCeiling, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Register is the idempotent upsert called on first sighting of any
// artifact. If the record exists, new artifact refs and presence flags are
// merged into it; status is never regressed. Calling it twice with the
// same artifact set yields exactly one record.
func (l *Ledger) Register(ctx context.Context, id ConversationID, agentID AgentID, refs ArtifactRefs) (*ConversationRecord, error) {
	now := l.now()
	rec := ConversationRecord{
		ConversationID: id,
		AgentID:        agentID,
		Artifacts:      refs,
		HasTranscript:  refs.TranscriptURI != "",
		HasMetadata:    refs.MetadataURI != "",
		HasAudio:       refs.AudioURI != "",
		Status:         StatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return l.Store.MergeConversation(ctx, rec)
}

// Advance performs the conditional transition from → to. Exactly one of any
// set of concurrent callers succeeds; the rest receive a *StaleStateError.
// Illegal transitions fail fast with ErrInvalidTransition before touching
// the store.
func (l *Ledger) Advance(ctx context.Context, id ConversationID, from, to Status) error {
	if !IsValidTransition(from, to) {
		return ErrInvalidTransition
	}
	return l.Store.AdvanceStatus(ctx, id, from, to, l.now())
}

// MarkFailed moves a conversation to FAILED, increments its retry counter
// and records the error. Idempotent: repeated failures just count up.
func (l *Ledger) MarkFailed(ctx context.Context, id ConversationID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.Store.MarkFailed(ctx, id, msg, l.now())
}

// Retry transitions a FAILED conversation back to its last completed
// status, derived from the stage timestamps. Past the retry ceiling it
// returns a *NotRetryableError instead.
func (l *Ledger) Retry(ctx context.Context, id ConversationID) (*ConversationRecord, error) {
	rec, err := l.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusFailed {
		return rec, nil // nothing to retry; treat as idempotent no-op
	}
	if rec.RetryCount > l.RetryCeiling {
		return nil, &NotRetryableError{
			ConversationID: id,
			RetryCount:     rec.RetryCount,
			Ceiling:        l.RetryCeiling,
			LastError:      rec.LastError,
		}
	}
	target := rec.LastCompletedStatus()
	if err := l.Store.ResetStatus(ctx, id, StatusFailed, target); err != nil {
		return nil, err
	}
	return l.Store.GetConversation(ctx, id)
}

// Get returns the conversation record by id.
func (l *Ledger) Get(ctx context.Context, id ConversationID) (*ConversationRecord, error) {
	return l.Store.GetConversation(ctx, id)
}

// PendingForIngestion returns conversations ready for the ingest stage:
// NEW or SANITIZED with both required artifacts present.
func (l *Ledger) PendingForIngestion(ctx context.Context, limit int) ([]ConversationRecord, error) {
	recs, err := l.Store.ListByStatus(ctx, []Status{StatusNew, StatusSanitized}, limit)
	if err != nil {
		return nil, err
	}
	ready := recs[:0]
	for _, r := range recs {
		if r.ReadyForIngestion() {
			ready = append(ready, r)
		}
	}
	return ready, nil
}

// PendingForEnrichment returns conversations awaiting the enrichment stage.
func (l *Ledger) PendingForEnrichment(ctx context.Context, limit int) ([]ConversationRecord, error) {
	return l.Store.ListByStatus(ctx, []Status{StatusIngested}, limit)
}

// PendingForCoaching returns conversations awaiting the coaching stage.
func (l *Ledger) PendingForCoaching(ctx context.Context, limit int) ([]ConversationRecord, error) {
	return l.Store.ListByStatus(ctx, []Status{StatusEnriched}, limit)
}

// ListFailed is the operator queue: FAILED conversations with their
// last_error and retry_count, oldest first.
func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]ConversationRecord, error) {
	return l.Store.ListByStatus(ctx, []Status{StatusFailed}, limit)
}

// StatusCounts reports record counts per status for monitoring.
func (l *Ledger) StatusCounts(ctx context.Context) (map[Status]int, error) {
	return l.Store.StatusCounts(ctx)
}
