/*
citations.go - Topic/Citation Tracker

PURPOSE:
  Records which external reference documents - and which version of each -
  informed a given analysis. Policy documents change over time; a citation
  pins the exact (doc_id, doc_version) pair so an analysis can always be
  explained against the policy text that was actually in force.

  Pure write-once log keyed by analysis_id. Used exclusively for audit
  queries ("which analyses relied on document version X"), never on the
  coaching hot path.
*/
package coach

import (
	"context"
	"errors"
	"fmt"
)

// CitationTracker validates and records citations against known analyses.
type CitationTracker struct {
	Store    CitationStore
	Analyses AnalysisStore
}

// NewCitationTracker wires a tracker over its stores.
func NewCitationTracker(store CitationStore, analyses AnalysisStore) *CitationTracker {
	return &CitationTracker{Store: store, Analyses: analyses}
}

// RecordCitations writes citations for an analysis. Citations referencing
// an unknown analysis_id are rejected with ErrUnknownAnalysis - not
// silently dropped.
func (t *CitationTracker) RecordCitations(ctx context.Context, analysisID AnalysisID, citations []CitationRecord) error {
	if len(citations) == 0 {
		return nil
	}
	if _, err := t.Analyses.GetAnalysis(ctx, analysisID); err != nil {
		if errors.Is(err, ErrAnalysisNotFound) {
			return fmt.Errorf("record citations for %s: %w", analysisID, ErrUnknownAnalysis)
		}
		return err
	}
	rows := make([]CitationRecord, len(citations))
	copy(rows, citations)
	for i := range rows {
		rows[i].AnalysisID = analysisID
	}
	return t.Store.InsertCitations(ctx, rows)
}

// GetCitations returns the citations recorded for an analysis.
func (t *CitationTracker) GetCitations(ctx context.Context, analysisID AnalysisID) ([]CitationRecord, error) {
	return t.Store.ListCitations(ctx, analysisID)
}

// AnalysesCitingDocument is the audit query: every citation of a document
// version, across all analyses. Empty docVersion matches all versions.
func (t *CitationTracker) AnalysesCitingDocument(ctx context.Context, docID, docVersion string) ([]CitationRecord, error) {
	return t.Store.ListCitationsByDocument(ctx, docID, docVersion)
}
