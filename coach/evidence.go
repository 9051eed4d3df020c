/*
evidence.go - Evidence Store: append-only coaching analyses

PURPOSE:
  Every coaching judgment is recorded as a structured, evidence-linked,
  re-analyzable fact. Re-analysis (after a policy update, a model upgrade,
  or an operator request) appends a new AnalysisRecord that supersedes the
  old one - history is preserved for audit, but exactly one row per
  conversation is current at any time.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: analysis rows are never rewritten. The only mutation is
     the supersede flip (is_current off, superseded_by set).
  2. EXACTLY ONE CURRENT: for every conversation with at least one analysis,
     exactly one row has is_current = true at any observation point.
  3. ACYCLIC CHAIN: superseded_by backlinks terminate at the current row.

ATOMICITY:
  RecordAnalysis runs supersede-then-insert inside a single store
  transaction. A reader must never observe zero current analyses for a
  conversation that has at least one. If storage fails between the two
  steps anyway (crash mid-transaction on a store without real transactions),
  the invariant violation is detectable and repairable via
  RepairOrphanedSupersede - a maintenance operation, never automatic
  guessing on the read path.

SEE ALSO:
  - store.go: TxAnalysisStore contract
  - citations.go: Written alongside each analysis
  - aggregate.go: Consumes ListCurrentInRange
*/
package coach

import (
	"context"
	"errors"
	"time"
)

// EvidenceStore records and queries coaching analyses.
type EvidenceStore struct {
	Store     TxAnalysisStore
	Citations CitationStore
	Ledger    *Ledger // optional: keeps latest_analysis_id weak refs fresh
	Now       func() time.Time
}

// NewEvidenceStore wires an EvidenceStore over its persistence.
func NewEvidenceStore(store TxAnalysisStore, citations CitationStore, ledger *Ledger) *EvidenceStore {
	return &EvidenceStore{Store: store, Citations: citations, Ledger: ledger, Now: time.Now}
}

func (s *EvidenceStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// RecordInput is everything one coaching pass produces.
type RecordInput struct {
	ConversationID     ConversationID
	AgentID            AgentID
	Assessments        []DimensionAssessment
	Citations          []CitationRecord
	SituationSummary   string
	ResolutionAchieved bool
	ReanalysisReason   string
	ModelID            string
	PromptVersion      string
	AnalyzedAt         time.Time // zero value means now
}

// RecordAnalysis appends a new analysis. When a current analysis already
// exists it is superseded first - atomically with the insert, so readers
// never observe a conversation with analyses but no current row.
func (s *EvidenceStore) RecordAnalysis(ctx context.Context, in RecordInput) (AnalysisID, error) {
	analyzedAt := in.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = s.now()
	}

	rec := AnalysisRecord{
		AnalysisID:         NewAnalysisID(),
		ConversationID:     in.ConversationID,
		AgentID:            in.AgentID,
		AnalyzedAt:         analyzedAt,
		Assessments:        in.Assessments,
		OverallScore:       ComputeOverall(in.Assessments),
		CriticalIssueCount: CountCritical(in.Assessments),
		ResolutionAchieved: in.ResolutionAchieved,
		SituationSummary:   in.SituationSummary,
		IsCurrent:          true,
		ReanalysisReason:   in.ReanalysisReason,
		ModelID:            in.ModelID,
		PromptVersion:      in.PromptVersion,
	}

	err := s.Store.WithTx(ctx, func(tx AnalysisStore) error {
		prev, err := tx.GetCurrentAnalysis(ctx, in.ConversationID)
		switch {
		case err == nil:
			// Supersede before insert: the order matters for stores whose
			// transactions are weaker than serializable.
			if err := tx.MarkSuperseded(ctx, prev.AnalysisID, rec.AnalysisID); err != nil {
				return err
			}
		case errors.Is(err, ErrAnalysisNotFound):
			// First analysis for this conversation.
		default:
			return err
		}
		return tx.InsertAnalysis(ctx, rec)
	})
	if err != nil {
		return "", err
	}

	// Citations and the ledger's weak reference are written outside the
	// transaction: both are additive and idempotent per analysis id.
	if len(in.Citations) > 0 && s.Citations != nil {
		cits := make([]CitationRecord, len(in.Citations))
		copy(cits, in.Citations)
		for i := range cits {
			cits[i].AnalysisID = rec.AnalysisID
			if cits[i].RetrievedAt.IsZero() {
				cits[i].RetrievedAt = analyzedAt
			}
		}
		if err := s.Citations.InsertCitations(ctx, cits); err != nil {
			return "", err
		}
	}
	if s.Ledger != nil {
		if err := s.Ledger.Store.SetLatestAnalysis(ctx, in.ConversationID, rec.AnalysisID); err != nil {
			return "", err
		}
	}
	return rec.AnalysisID, nil
}

// GetCurrent returns the single current analysis for a conversation.
func (s *EvidenceStore) GetCurrent(ctx context.Context, id ConversationID) (*AnalysisRecord, error) {
	return s.Store.GetCurrentAnalysis(ctx, id)
}

// GetHistory returns every analysis for a conversation, newest first,
// following the superseded_by backlinks from the current row. Rows that
// fell off the chain (orphans) are appended after the chain, still ordered
// newest first, so history remains complete for audit.
func (s *EvidenceStore) GetHistory(ctx context.Context, id ConversationID) ([]AnalysisRecord, error) {
	all, err := s.Store.ListAnalyses(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrAnalysisNotFound
	}

	byID := make(map[AnalysisID]*AnalysisRecord, len(all))
	for i := range all {
		byID[all[i].AnalysisID] = &all[i]
	}

	// Walk backwards from the current row: each predecessor is the row
	// whose superseded_by points at the one we just emitted.
	prevOf := make(map[AnalysisID]AnalysisID, len(all))
	var head *AnalysisRecord
	for i := range all {
		if all[i].IsCurrent {
			head = &all[i]
		}
		if all[i].SupersededBy != "" {
			prevOf[all[i].SupersededBy] = all[i].AnalysisID
		}
	}

	var ordered []AnalysisRecord
	seen := make(map[AnalysisID]bool, len(all))
	for cur := head; cur != nil; {
		if seen[cur.AnalysisID] {
			break // defends against a corrupted (cyclic) chain
		}
		seen[cur.AnalysisID] = true
		ordered = append(ordered, *cur)
		prevID, ok := prevOf[cur.AnalysisID]
		if !ok {
			break
		}
		cur = byID[prevID]
	}
	for i := range all { // orphans, already newest-first from the store
		if !seen[all[i].AnalysisID] {
			ordered = append(ordered, all[i])
		}
	}
	return ordered, nil
}

// ListCurrentInRange is the aggregation feed: only is_current rows for the
// subject with analyzed_at in [from, to).
func (s *EvidenceStore) ListCurrentInRange(ctx context.Context, subject AgentID, from, to time.Time) ([]AnalysisRecord, error) {
	return s.Store.ListCurrentInRange(ctx, subject, from, to)
}

// RepairOrphanedSupersede re-marks the newest analysis current when a
// conversation has analyses but none flagged current (a failed
// RecordAnalysis that superseded without inserting). Returns the
// *OrphanedSupersedeError describing what was repaired, or nil when the
// invariant already held.
func (s *EvidenceStore) RepairOrphanedSupersede(ctx context.Context, id ConversationID) (*OrphanedSupersedeError, error) {
	var detected *OrphanedSupersedeError
	err := s.Store.WithTx(ctx, func(tx AnalysisStore) error {
		_, err := tx.GetCurrentAnalysis(ctx, id)
		if err == nil {
			return nil // invariant holds
		}
		if !errors.Is(err, ErrAnalysisNotFound) {
			return err
		}
		all, err := tx.ListAnalyses(ctx, id)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return nil // no analyses at all is not an orphan
		}
		detected = &OrphanedSupersedeError{ConversationID: id, AnalysisCount: len(all)}
		// Newest row wins; its dangling superseded_by (if any) points at an
		// analysis that was never inserted.
		return tx.MarkCurrent(ctx, all[0].AnalysisID)
	})
	return detected, err
}
