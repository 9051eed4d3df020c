// Package store provides in-memory implementations of the coach store
// interfaces, for testing and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/coach-engine/coach"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ConversationStore, TxAnalysisStore, CitationStore and
// AggregateStore over maps guarded by one mutex.
type Memory struct {
	mu            sync.RWMutex
	conversations map[coach.ConversationID]coach.ConversationRecord
	analyses      map[coach.AnalysisID]coach.AnalysisRecord
	citations     []coach.CitationRecord
	aggregates    map[aggKey]coach.PeriodAggregate
}

type aggKey struct {
	Subject coach.AgentID
	Type    coach.PeriodType
	Start   int64 // unix seconds of period start
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[coach.ConversationID]coach.ConversationRecord),
		analyses:      make(map[coach.AnalysisID]coach.AnalysisRecord),
		aggregates:    make(map[aggKey]coach.PeriodAggregate),
	}
}

// =============================================================================
// CONVERSATION STORE
// =============================================================================

func (m *Memory) MergeConversation(_ context.Context, rec coach.ConversationRecord) (*coach.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[rec.ConversationID]
	if !ok {
		m.conversations[rec.ConversationID] = rec
		out := rec
		return &out, nil
	}

	// Merge: new refs and presence flags accumulate; status never regresses;
	// flags never clear.
	if rec.AgentID != "" {
		existing.AgentID = rec.AgentID
	}
	if rec.Artifacts.TranscriptURI != "" {
		existing.Artifacts.TranscriptURI = rec.Artifacts.TranscriptURI
		existing.HasTranscript = true
	}
	if rec.Artifacts.MetadataURI != "" {
		existing.Artifacts.MetadataURI = rec.Artifacts.MetadataURI
		existing.HasMetadata = true
	}
	if rec.Artifacts.AudioURI != "" {
		existing.Artifacts.AudioURI = rec.Artifacts.AudioURI
		existing.HasAudio = true
	}
	existing.UpdatedAt = rec.UpdatedAt
	m.conversations[rec.ConversationID] = existing
	out := existing
	return &out, nil
}

func (m *Memory) GetConversation(_ context.Context, id coach.ConversationID) (*coach.ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.conversations[id]
	if !ok {
		return nil, coach.ErrConversationNotFound
	}
	out := rec
	return &out, nil
}

func (m *Memory) AdvanceStatus(_ context.Context, id coach.ConversationID, from, to coach.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[id]
	if !ok {
		return coach.ErrConversationNotFound
	}
	if rec.Status != from {
		return &coach.StaleStateError{ConversationID: id, Expected: from, Attempted: to}
	}
	rec.Status = to
	rec.UpdatedAt = at
	switch to {
	case coach.StatusSanitized:
		rec.SanitizedAt = &at
	case coach.StatusIngested:
		rec.IngestedAt = &at
	case coach.StatusEnriched:
		rec.EnrichedAt = &at
	case coach.StatusCoached:
		rec.CoachedAt = &at
	}
	m.conversations[id] = rec
	return nil
}

func (m *Memory) ResetStatus(_ context.Context, id coach.ConversationID, from, to coach.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[id]
	if !ok {
		return coach.ErrConversationNotFound
	}
	if rec.Status != from {
		return &coach.StaleStateError{ConversationID: id, Expected: from, Attempted: to}
	}
	// No timestamp re-stamping: the stage stamps record first completion.
	rec.Status = to
	m.conversations[id] = rec
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id coach.ConversationID, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[id]
	if !ok {
		return coach.ErrConversationNotFound
	}
	rec.Status = coach.StatusFailed
	rec.RetryCount++
	rec.LastError = lastError
	rec.UpdatedAt = at
	m.conversations[id] = rec
	return nil
}

func (m *Memory) SetLatestAnalysis(_ context.Context, id coach.ConversationID, analysisID coach.AnalysisID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[id]
	if !ok {
		return coach.ErrConversationNotFound
	}
	rec.LatestAnalysisID = analysisID
	m.conversations[id] = rec
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses []coach.Status, limit int) ([]coach.ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[coach.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []coach.ConversationRecord
	for _, rec := range m.conversations {
		if want[rec.Status] {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ConversationID < result[j].ConversationID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) StatusCounts(_ context.Context) (map[coach.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[coach.Status]int)
	for _, rec := range m.conversations {
		counts[rec.Status]++
	}
	return counts, nil
}

// =============================================================================
// ANALYSIS STORE
// =============================================================================

func (m *Memory) InsertAnalysis(_ context.Context, rec coach.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAnalysisLocked(rec)
}

func (m *Memory) insertAnalysisLocked(rec coach.AnalysisRecord) error {
	m.analyses[rec.AnalysisID] = rec
	return nil
}

func (m *Memory) GetAnalysis(_ context.Context, id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAnalysisLocked(id)
}

func (m *Memory) getAnalysisLocked(id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	rec, ok := m.analyses[id]
	if !ok {
		return nil, coach.ErrAnalysisNotFound
	}
	out := rec
	return &out, nil
}

func (m *Memory) GetCurrentAnalysis(_ context.Context, id coach.ConversationID) (*coach.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCurrentLocked(id)
}

func (m *Memory) getCurrentLocked(id coach.ConversationID) (*coach.AnalysisRecord, error) {
	for _, rec := range m.analyses {
		if rec.ConversationID == id && rec.IsCurrent {
			out := rec
			return &out, nil
		}
	}
	return nil, coach.ErrAnalysisNotFound
}

func (m *Memory) MarkSuperseded(_ context.Context, old, by coach.AnalysisID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markSupersededLocked(old, by)
}

func (m *Memory) markSupersededLocked(old, by coach.AnalysisID) error {
	rec, ok := m.analyses[old]
	if !ok {
		return coach.ErrAnalysisNotFound
	}
	rec.IsCurrent = false
	rec.SupersededBy = by
	m.analyses[old] = rec
	return nil
}

func (m *Memory) MarkCurrent(_ context.Context, id coach.AnalysisID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markCurrentLocked(id)
}

func (m *Memory) markCurrentLocked(id coach.AnalysisID) error {
	rec, ok := m.analyses[id]
	if !ok {
		return coach.ErrAnalysisNotFound
	}
	rec.IsCurrent = true
	rec.SupersededBy = ""
	m.analyses[id] = rec
	return nil
}

func (m *Memory) ListAnalyses(_ context.Context, id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAnalysesLocked(id)
}

func (m *Memory) listAnalysesLocked(id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	var result []coach.AnalysisRecord
	for _, rec := range m.analyses {
		if rec.ConversationID == id {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AnalyzedAt.Equal(result[j].AnalyzedAt) {
			return result[i].AnalyzedAt.After(result[j].AnalyzedAt)
		}
		// Analysis ids embed creation nanos, so this keeps newest-first
		// deterministic even at equal analyzed_at.
		return result[i].AnalysisID > result[j].AnalysisID
	})
	return result, nil
}

func (m *Memory) ListCurrentInRange(_ context.Context, subject coach.AgentID, from, to time.Time) ([]coach.AnalysisRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []coach.AnalysisRecord
	for _, rec := range m.analyses {
		if rec.AgentID == subject && rec.IsCurrent &&
			!rec.AnalyzedAt.Before(from) && rec.AnalyzedAt.Before(to) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AnalyzedAt.Before(result[j].AnalyzedAt)
	})
	return result, nil
}

func (m *Memory) ListSubjects(_ context.Context, from, to time.Time) ([]coach.AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[coach.AgentID]bool)
	for _, rec := range m.analyses {
		if rec.IsCurrent && !rec.AnalyzedAt.Before(from) && rec.AnalyzedAt.Before(to) {
			seen[rec.AgentID] = true
		}
	}
	subjects := make([]coach.AgentID, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	return subjects, nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(coach.AnalysisStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotAnalyses()
	view := &txMemoryView{parent: m}
	if err := fn(view); err != nil {
		m.analyses = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshotAnalyses() map[coach.AnalysisID]coach.AnalysisRecord {
	cp := make(map[coach.AnalysisID]coach.AnalysisRecord, len(m.analyses))
	for k, v := range m.analyses {
		cp[k] = v
	}
	return cp
}

// txMemoryView runs against the already-locked parent.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) InsertAnalysis(_ context.Context, rec coach.AnalysisRecord) error {
	return tv.parent.insertAnalysisLocked(rec)
}

func (tv *txMemoryView) GetAnalysis(_ context.Context, id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	return tv.parent.getAnalysisLocked(id)
}

func (tv *txMemoryView) GetCurrentAnalysis(_ context.Context, id coach.ConversationID) (*coach.AnalysisRecord, error) {
	return tv.parent.getCurrentLocked(id)
}

func (tv *txMemoryView) MarkSuperseded(_ context.Context, old, by coach.AnalysisID) error {
	return tv.parent.markSupersededLocked(old, by)
}

func (tv *txMemoryView) MarkCurrent(_ context.Context, id coach.AnalysisID) error {
	return tv.parent.markCurrentLocked(id)
}

func (tv *txMemoryView) ListAnalyses(_ context.Context, id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	return tv.parent.listAnalysesLocked(id)
}

func (tv *txMemoryView) ListCurrentInRange(_ context.Context, subject coach.AgentID, from, to time.Time) ([]coach.AnalysisRecord, error) {
	var result []coach.AnalysisRecord
	for _, rec := range tv.parent.analyses {
		if rec.AgentID == subject && rec.IsCurrent &&
			!rec.AnalyzedAt.Before(from) && rec.AnalyzedAt.Before(to) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AnalyzedAt.Before(result[j].AnalyzedAt)
	})
	return result, nil
}

func (tv *txMemoryView) ListSubjects(_ context.Context, from, to time.Time) ([]coach.AgentID, error) {
	seen := make(map[coach.AgentID]bool)
	for _, rec := range tv.parent.analyses {
		if rec.IsCurrent && !rec.AnalyzedAt.Before(from) && rec.AnalyzedAt.Before(to) {
			seen[rec.AgentID] = true
		}
	}
	subjects := make([]coach.AgentID, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	return subjects, nil
}

// =============================================================================
// CITATION STORE
// =============================================================================

func (m *Memory) InsertCitations(_ context.Context, citations []coach.CitationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.citations = append(m.citations, citations...)
	return nil
}

func (m *Memory) ListCitations(_ context.Context, analysisID coach.AnalysisID) ([]coach.CitationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []coach.CitationRecord
	for _, c := range m.citations {
		if c.AnalysisID == analysisID {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *Memory) ListCitationsByDocument(_ context.Context, docID, docVersion string) ([]coach.CitationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []coach.CitationRecord
	for _, c := range m.citations {
		if c.DocID == docID && (docVersion == "" || c.DocVersion == docVersion) {
			result = append(result, c)
		}
	}
	return result, nil
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

func (m *Memory) PutAggregate(_ context.Context, agg coach.PeriodAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := aggKey{Subject: agg.SubjectID, Type: agg.PeriodType, Start: agg.PeriodStart.Unix()}
	if existing, ok := m.aggregates[k]; ok {
		// Numeric upsert preserves narrative enrichment until the narrator
		// re-runs for the recomputed numbers.
		agg.Narrative = existing.Narrative
		agg.RecommendedActions = existing.RecommendedActions
		agg.NarrativeError = existing.NarrativeError
		agg.NarrativeGeneratedAt = existing.NarrativeGeneratedAt
	}
	m.aggregates[k] = agg
	return nil
}

func (m *Memory) GetAggregate(_ context.Context, subject coach.AgentID, pt coach.PeriodType, start time.Time) (*coach.PeriodAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.aggregates[aggKey{Subject: subject, Type: pt, Start: start.Unix()}]
	if !ok {
		return nil, coach.ErrAggregateNotFound
	}
	out := agg
	return &out, nil
}

func (m *Memory) ListAggregates(_ context.Context, subject coach.AgentID, pt coach.PeriodType, from, to time.Time) ([]coach.PeriodAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []coach.PeriodAggregate
	for k, agg := range m.aggregates {
		if k.Subject != subject || k.Type != pt {
			continue
		}
		if !agg.PeriodStart.Before(from) && agg.PeriodStart.Before(to) {
			result = append(result, agg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStart.Before(result[j].PeriodStart)
	})
	return result, nil
}

func (m *Memory) UpdateNarrative(_ context.Context, subject coach.AgentID, pt coach.PeriodType, start time.Time,
	narrative string, actions []string, narrativeErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := aggKey{Subject: subject, Type: pt, Start: start.Unix()}
	agg, ok := m.aggregates[k]
	if !ok {
		return coach.ErrAggregateNotFound
	}
	agg.Narrative = narrative
	agg.RecommendedActions = actions
	agg.NarrativeError = narrativeErr
	agg.NarrativeGeneratedAt = &at
	m.aggregates[k] = agg
	return nil
}
