/*
store.go - Persistence interfaces for the coaching engine

PURPOSE:
  Defines the interface between the domain logic and the database. The
  stores carry the two hard guarantees the engine is built on:

  1. CONDITIONAL WRITES: ConversationStore.AdvanceStatus is a compare-and-
     swap on the status column. Two workers racing the same transition get
     exactly one winner; the loser sees ErrStaleState. This is the system's
     only concurrency control - no lock service.

  2. ATOMIC SUPERSEDE: TxAnalysisStore.WithTx wraps the supersede-then-insert
     sequence so a reader never observes a conversation with analyses but no
     current row.

APPEND-ONLY CONTRACT:
  AnalysisStore and CitationStore have no update or delete of record content.
  The only mutation on an analysis row is the supersede flip (is_current,
  superseded_by), which preserves the row itself.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - coach/store/memory.go:  In-memory for testing

SEE ALSO:
  - ledger.go: Conversation Ledger built on ConversationStore
  - evidence.go: Evidence Store built on TxAnalysisStore
*/
package coach

import (
	"context"
	"time"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists conversation pipeline state.
type ConversationStore interface {
	// MergeConversation upserts a record atomically: creates it when absent,
	// otherwise merges artifact refs and presence flags into the existing
	// row. It never regresses status and never clears a presence flag.
	// Returns the post-merge record.
	MergeConversation(ctx context.Context, rec ConversationRecord) (*ConversationRecord, error)

	// GetConversation returns ErrConversationNotFound for unknown ids.
	GetConversation(ctx context.Context, id ConversationID) (*ConversationRecord, error)

	// AdvanceStatus performs a conditional update: it succeeds only if the
	// record's status equals from at the moment of the write, moving it to
	// to and stamping the stage timestamp at. Returns ErrStaleState (as a
	// *StaleStateError) when the condition fails.
	AdvanceStatus(ctx context.Context, id ConversationID, from, to Status, at time.Time) error

	// ResetStatus is the conditional write used by retry: FAILED back to a
	// previously completed status, without re-stamping stage timestamps.
	ResetStatus(ctx context.Context, id ConversationID, from, to Status) error

	// MarkFailed sets status FAILED, increments retry_count and stores the
	// error. Idempotent: repeated failures just increment the counter.
	MarkFailed(ctx context.Context, id ConversationID, lastError string, at time.Time) error

	// SetLatestAnalysis records the weak reference to the newest analysis.
	SetLatestAnalysis(ctx context.Context, id ConversationID, analysisID AnalysisID) error

	// ListByStatus returns records in any of the given statuses, oldest
	// first, bounded by limit. This is the worker feed.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]ConversationRecord, error)

	// StatusCounts returns record counts per status, for monitoring.
	StatusCounts(ctx context.Context) (map[Status]int, error)
}

// =============================================================================
// ANALYSIS STORE
// =============================================================================

// AnalysisStore persists coaching analyses. Append-only: rows are inserted
// and superseded, never rewritten.
type AnalysisStore interface {
	// InsertAnalysis appends a new analysis row.
	InsertAnalysis(ctx context.Context, rec AnalysisRecord) error

	// GetAnalysis returns ErrAnalysisNotFound for unknown ids.
	GetAnalysis(ctx context.Context, id AnalysisID) (*AnalysisRecord, error)

	// GetCurrentAnalysis returns the single is_current row for a
	// conversation, or ErrAnalysisNotFound.
	GetCurrentAnalysis(ctx context.Context, id ConversationID) (*AnalysisRecord, error)

	// MarkSuperseded flips is_current off and sets superseded_by on old.
	MarkSuperseded(ctx context.Context, old, by AnalysisID) error

	// MarkCurrent re-flags a row current and clears its dangling
	// superseded_by pointer. Used only by supersede repair.
	MarkCurrent(ctx context.Context, id AnalysisID) error

	// ListAnalyses returns every analysis row for a conversation, newest
	// first by analyzed_at.
	ListAnalyses(ctx context.Context, id ConversationID) ([]AnalysisRecord, error)

	// ListCurrentInRange returns only is_current rows for a subject with
	// analyzed_at in [from, to). This is the aggregation engine's feed.
	ListCurrentInRange(ctx context.Context, subject AgentID, from, to time.Time) ([]AnalysisRecord, error)

	// ListSubjects returns the distinct subjects with current analyses in
	// [from, to). Drives the aggregation scheduler.
	ListSubjects(ctx context.Context, from, to time.Time) ([]AgentID, error)
}

// TxAnalysisStore wraps AnalysisStore with transaction support. The
// supersede-then-insert sequence in RecordAnalysis must run inside WithTx.
type TxAnalysisStore interface {
	AnalysisStore

	// WithTx executes fn atomically. If fn returns an error the writes are
	// rolled back; concurrent readers never see intermediate state.
	WithTx(ctx context.Context, fn func(AnalysisStore) error) error
}

// =============================================================================
// CITATION STORE
// =============================================================================

// CitationStore is a write-once log keyed by analysis id. Audit only -
// never on the coaching hot path.
type CitationStore interface {
	InsertCitations(ctx context.Context, citations []CitationRecord) error
	ListCitations(ctx context.Context, analysisID AnalysisID) ([]CitationRecord, error)

	// ListCitationsByDocument answers "which analyses relied on document
	// version X". Empty docVersion matches every version of the document.
	ListCitationsByDocument(ctx context.Context, docID, docVersion string) ([]CitationRecord, error)
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

// AggregateStore persists period aggregates. The numeric roll-up is an
// upsert; narrative enrichment is an update of the existing row only.
type AggregateStore interface {
	// PutAggregate upserts the numeric fields of an aggregate. Narrative
	// fields on an existing row are preserved unless the numeric inputs
	// changed, in which case the caller recomputes and re-narrates.
	PutAggregate(ctx context.Context, agg PeriodAggregate) error

	// GetAggregate returns ErrAggregateNotFound when the row has not been
	// computed - callers can distinguish "not yet computed" from a stored
	// zero-call aggregate.
	GetAggregate(ctx context.Context, subject AgentID, pt PeriodType, start time.Time) (*PeriodAggregate, error)

	// ListAggregates returns rows of one type for a subject with
	// period_start in [from, to), oldest first.
	ListAggregates(ctx context.Context, subject AgentID, pt PeriodType, from, to time.Time) ([]PeriodAggregate, error)

	// UpdateNarrative writes narrative, actions and error onto an existing
	// aggregate row. Update, not insert: ErrAggregateNotFound when absent.
	UpdateNarrative(ctx context.Context, subject AgentID, pt PeriodType, start time.Time,
		narrative string, actions []string, narrativeErr string, at time.Time) error
}
