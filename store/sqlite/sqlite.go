/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (ConversationStore, TxAnalysisStore,
  CitationStore, AggregateStore) using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  conversations: Pipeline state, one row per conversation, never deleted
  analyses:      Append-only coaching judgments with supersede chains
  citations:     Write-once (analysis, doc, version) audit log
  aggregates:    One row per (subject, period_type, period_start)

CONDITIONAL WRITES:
  AdvanceStatus and ResetStatus are UPDATE ... WHERE status = ? statements.
  RowsAffected = 0 with an existing row means another worker moved the
  status first; the caller gets a *coach.StaleStateError. This is the
  system's only concurrency control.

EXACTLY-ONE-CURRENT ENFORCEMENT:
  idx_analyses_one_current is a partial unique index on conversation_id
  WHERE is_current, so the database itself rejects a second current row.
  The supersede-then-insert sequence runs inside WithTx.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - coach/store.go: Interface definitions
  - coach/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/coach-engine/coach"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Conversations (pipeline state, never deleted)
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		transcript_uri TEXT NOT NULL DEFAULT '',
		metadata_uri TEXT NOT NULL DEFAULT '',
		audio_uri TEXT NOT NULL DEFAULT '',
		has_transcript BOOLEAN NOT NULL DEFAULT FALSE,
		has_metadata BOOLEAN NOT NULL DEFAULT FALSE,
		has_audio BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		latest_analysis_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sanitized_at TEXT,
		ingested_at TEXT,
		enriched_at TEXT,
		coached_at TEXT
	);

	-- Worker feed: status-filtered scans, oldest first
	CREATE INDEX IF NOT EXISTS idx_conversations_status
		ON conversations(status, created_at);

	-- Analyses (append-only; the only mutation is the supersede flip)
	CREATE TABLE IF NOT EXISTS analyses (
		analysis_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		analyzed_at TEXT NOT NULL,
		assessments_json TEXT NOT NULL,
		overall_score TEXT NOT NULL,
		critical_issue_count INTEGER NOT NULL DEFAULT 0,
		resolution_achieved BOOLEAN NOT NULL DEFAULT FALSE,
		situation_summary TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		is_current BOOLEAN NOT NULL,
		reanalysis_reason TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		prompt_version TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: the database enforces at most one current row per conversation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_analyses_one_current
		ON analyses(conversation_id) WHERE is_current;

	CREATE INDEX IF NOT EXISTS idx_analyses_conversation
		ON analyses(conversation_id, analyzed_at DESC);

	-- Aggregation feed (hot path): current rows per subject and time range
	CREATE INDEX IF NOT EXISTS idx_analyses_subject_current
		ON analyses(agent_id, analyzed_at) WHERE is_current;

	-- Citations (write-once audit log)
	CREATE TABLE IF NOT EXISTS citations (
		analysis_id TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		doc_version TEXT NOT NULL,
		relevance_score TEXT NOT NULL,
		retrieved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_citations_analysis
		ON citations(analysis_id);
	CREATE INDEX IF NOT EXISTS idx_citations_document
		ON citations(doc_id, doc_version);

	-- Aggregates (numeric upsert; narrative fields updated separately)
	CREATE TABLE IF NOT EXISTS aggregates (
		subject_id TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_start TEXT NOT NULL,
		call_count INTEGER NOT NULL,
		dimension_averages_json TEXT NOT NULL DEFAULT '{}',
		overall_avg TEXT,
		resolution_rate TEXT,
		issue_counts_json TEXT NOT NULL DEFAULT '{}',
		top_issues_json TEXT NOT NULL DEFAULT '[]',
		critical_issue_count INTEGER NOT NULL DEFAULT 0,
		overall_delta TEXT,
		trend TEXT NOT NULL DEFAULT '',
		worst_json TEXT NOT NULL DEFAULT '[]',
		best_json TEXT NOT NULL DEFAULT '[]',
		narrative TEXT NOT NULL DEFAULT '',
		actions_json TEXT NOT NULL DEFAULT '[]',
		narrative_error TEXT NOT NULL DEFAULT '',
		narrative_generated_at TEXT,
		generated_at TEXT NOT NULL,
		PRIMARY KEY (subject_id, period_type, period_start)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONVERSATION STORE (coach.ConversationStore interface)
// =============================================================================

// MergeConversation upserts a conversation. On conflict, artifact refs and
// presence flags accumulate; status, retry state and stage timestamps are
// left alone so the merge can never regress pipeline progress.
func (s *Store) MergeConversation(ctx context.Context, rec coach.ConversationRecord) (*coach.ConversationRecord, error) {
	s.mu.Lock()

	query := `
		INSERT INTO conversations
		(conversation_id, agent_id, transcript_uri, metadata_uri, audio_uri,
		 has_transcript, has_metadata, has_audio, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			agent_id = CASE WHEN excluded.agent_id != '' THEN excluded.agent_id ELSE conversations.agent_id END,
			transcript_uri = CASE WHEN excluded.transcript_uri != '' THEN excluded.transcript_uri ELSE conversations.transcript_uri END,
			metadata_uri = CASE WHEN excluded.metadata_uri != '' THEN excluded.metadata_uri ELSE conversations.metadata_uri END,
			audio_uri = CASE WHEN excluded.audio_uri != '' THEN excluded.audio_uri ELSE conversations.audio_uri END,
			has_transcript = conversations.has_transcript OR excluded.has_transcript,
			has_metadata = conversations.has_metadata OR excluded.has_metadata,
			has_audio = conversations.has_audio OR excluded.has_audio,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ConversationID, rec.AgentID,
		rec.Artifacts.TranscriptURI, rec.Artifacts.MetadataURI, rec.Artifacts.AudioURI,
		rec.HasTranscript, rec.HasMetadata, rec.HasAudio,
		rec.Status,
		rec.CreatedAt.Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to merge conversation: %w", err)
	}

	return s.GetConversation(ctx, rec.ConversationID)
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id coach.ConversationID) (*coach.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, agent_id, transcript_uri, metadata_uri, audio_uri,
		       has_transcript, has_metadata, has_audio, status, retry_count,
		       last_error, latest_analysis_id, created_at, updated_at,
		       sanitized_at, ingested_at, enriched_at, coached_at
		FROM conversations WHERE conversation_id = ?`, id)

	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, coach.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AdvanceStatus performs the conditional status transition. The WHERE
// status = ? clause is the compare-and-swap; zero rows affected on an
// existing record means another worker won the race.
func (s *Store) AdvanceStatus(ctx context.Context, id coach.ConversationID, from, to coach.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := stageColumn(to)
	query := "UPDATE conversations SET status = ?, updated_at = ?"
	args := []any{to, at.Format(time.RFC3339)}
	if stamp != "" {
		query += ", " + stamp + " = ?"
		args = append(args, at.Format(time.RFC3339))
	}
	query += " WHERE conversation_id = ? AND status = ?"
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to advance status: %w", err)
	}
	return s.checkConditionalWrite(ctx, res, id, from, to)
}

// ResetStatus is the retry path: FAILED back to a previously completed
// status. Stage timestamps are not re-stamped; they record first completion.
func (s *Store) ResetStatus(ctx context.Context, id coach.ConversationID, from, to coach.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET status = ? WHERE conversation_id = ? AND status = ?",
		to, id, from)
	if err != nil {
		return fmt.Errorf("failed to reset status: %w", err)
	}
	return s.checkConditionalWrite(ctx, res, id, from, to)
}

// checkConditionalWrite distinguishes a lost race from a missing record
// when a conditional UPDATE touched zero rows.
func (s *Store) checkConditionalWrite(ctx context.Context, res sql.Result, id coach.ConversationID, from, to coach.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE conversation_id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return coach.ErrConversationNotFound
	}
	return &coach.StaleStateError{ConversationID: id, Expected: from, Attempted: to}
}

// MarkFailed records a failure. Unconditional: any state may fail.
func (s *Store) MarkFailed(ctx context.Context, id coach.ConversationID, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE conversation_id = ?`,
		coach.StatusFailed, lastError, at.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coach.ErrConversationNotFound
	}
	return nil
}

// SetLatestAnalysis records the weak reference to the newest analysis.
func (s *Store) SetLatestAnalysis(ctx context.Context, id coach.ConversationID, analysisID coach.AnalysisID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET latest_analysis_id = ? WHERE conversation_id = ?",
		analysisID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coach.ErrConversationNotFound
	}
	return nil
}

// ListByStatus returns conversations in any of the statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses []coach.Status, limit int) ([]coach.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT conversation_id, agent_id, transcript_uri, metadata_uri, audio_uri,
		       has_transcript, has_metadata, has_audio, status, retry_count,
		       last_error, latest_analysis_id, created_at, updated_at,
		       sanitized_at, ingested_at, enriched_at, coached_at
		FROM conversations
		WHERE status IN (%s)
		ORDER BY created_at ASC, conversation_id ASC
		LIMIT ?`, placeholders)

	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var recs []coach.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// StatusCounts returns record counts per status.
func (s *Store) StatusCounts(ctx context.Context) (map[coach.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM conversations GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[coach.Status]int)
	for rows.Next() {
		var st coach.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*coach.ConversationRecord, error) {
	var (
		rec                  coach.ConversationRecord
		createdAt, updatedAt string
		sanitizedAt          sql.NullString
		ingestedAt           sql.NullString
		enrichedAt           sql.NullString
		coachedAt            sql.NullString
	)

	err := row.Scan(
		&rec.ConversationID, &rec.AgentID,
		&rec.Artifacts.TranscriptURI, &rec.Artifacts.MetadataURI, &rec.Artifacts.AudioURI,
		&rec.HasTranscript, &rec.HasMetadata, &rec.HasAudio,
		&rec.Status, &rec.RetryCount, &rec.LastError, &rec.LatestAnalysisID,
		&createdAt, &updatedAt,
		&sanitizedAt, &ingestedAt, &enrichedAt, &coachedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	rec.SanitizedAt = nullTime(sanitizedAt)
	rec.IngestedAt = nullTime(ingestedAt)
	rec.EnrichedAt = nullTime(enrichedAt)
	rec.CoachedAt = nullTime(coachedAt)
	return &rec, nil
}

func stageColumn(to coach.Status) string {
	switch to {
	case coach.StatusSanitized:
		return "sanitized_at"
	case coach.StatusIngested:
		return "ingested_at"
	case coach.StatusEnriched:
		return "enriched_at"
	case coach.StatusCoached:
		return "coached_at"
	default:
		return ""
	}
}

// =============================================================================
// ANALYSIS STORE (coach.TxAnalysisStore interface)
// =============================================================================

// sortableTime is a fixed-width UTC layout. analyzed_at is range-scanned as
// text, so lexical order must match chronological order; RFC3339Nano trims
// trailing zeros and breaks that.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func formatSortable(t time.Time) string { return t.UTC().Format(sortableTime) }

// execQuerier is satisfied by both *sql.DB and *sql.Tx, so the same helpers
// serve direct calls and transactional views.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertAnalysis appends a new analysis row.
func (s *Store) InsertAnalysis(ctx context.Context, rec coach.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAnalysis(ctx, s.db, rec)
}

func insertAnalysis(ctx context.Context, db execQuerier, rec coach.AnalysisRecord) error {
	assessmentsJSON, err := json.Marshal(rec.Assessments)
	if err != nil {
		return fmt.Errorf("failed to encode assessments: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO analyses
		(analysis_id, conversation_id, agent_id, analyzed_at, assessments_json,
		 overall_score, critical_issue_count, resolution_achieved, situation_summary,
		 superseded_by, is_current, reanalysis_reason, model_id, prompt_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AnalysisID, rec.ConversationID, rec.AgentID,
		formatSortable(rec.AnalyzedAt),
		string(assessmentsJSON),
		rec.OverallScore.String(),
		rec.CriticalIssueCount, rec.ResolutionAchieved, rec.SituationSummary,
		string(rec.SupersededBy), rec.IsCurrent,
		rec.ReanalysisReason, rec.ModelID, rec.PromptVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis retrieves an analysis by ID.
func (s *Store) GetAnalysis(ctx context.Context, id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAnalysis(ctx, s.db, id)
}

func getAnalysis(ctx context.Context, db execQuerier, id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	row := db.QueryRowContext(ctx, analysisSelect+" WHERE analysis_id = ?", id)
	rec, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, coach.ErrAnalysisNotFound
	}
	return rec, err
}

// GetCurrentAnalysis returns the single is_current row for a conversation.
func (s *Store) GetCurrentAnalysis(ctx context.Context, id coach.ConversationID) (*coach.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCurrentAnalysis(ctx, s.db, id)
}

func getCurrentAnalysis(ctx context.Context, db execQuerier, id coach.ConversationID) (*coach.AnalysisRecord, error) {
	row := db.QueryRowContext(ctx,
		analysisSelect+" WHERE conversation_id = ? AND is_current", id)
	rec, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, coach.ErrAnalysisNotFound
	}
	return rec, err
}

// MarkSuperseded flips is_current off and records the successor.
func (s *Store) MarkSuperseded(ctx context.Context, old, by coach.AnalysisID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSuperseded(ctx, s.db, old, by)
}

func markSuperseded(ctx context.Context, db execQuerier, old, by coach.AnalysisID) error {
	res, err := db.ExecContext(ctx,
		"UPDATE analyses SET is_current = FALSE, superseded_by = ? WHERE analysis_id = ?",
		string(by), old)
	if err != nil {
		return fmt.Errorf("failed to mark superseded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coach.ErrAnalysisNotFound
	}
	return nil
}

// MarkCurrent re-flags a row current and clears its dangling superseded_by
// pointer. Used only by supersede repair.
func (s *Store) MarkCurrent(ctx context.Context, id coach.AnalysisID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markCurrent(ctx, s.db, id)
}

func markCurrent(ctx context.Context, db execQuerier, id coach.AnalysisID) error {
	res, err := db.ExecContext(ctx,
		"UPDATE analyses SET is_current = TRUE, superseded_by = '' WHERE analysis_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark current: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coach.ErrAnalysisNotFound
	}
	return nil
}

// ListAnalyses returns every analysis for a conversation, newest first.
func (s *Store) ListAnalyses(ctx context.Context, id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAnalyses(ctx, s.db, id)
}

func listAnalyses(ctx context.Context, db execQuerier, id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	return queryAnalyses(ctx, db,
		analysisSelect+" WHERE conversation_id = ? ORDER BY analyzed_at DESC, analysis_id DESC", id)
}

// ListCurrentInRange is the aggregation feed.
func (s *Store) ListCurrentInRange(ctx context.Context, subject coach.AgentID, from, to time.Time) ([]coach.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCurrentInRange(ctx, s.db, subject, from, to)
}

func listCurrentInRange(ctx context.Context, db execQuerier, subject coach.AgentID, from, to time.Time) ([]coach.AnalysisRecord, error) {
	return queryAnalyses(ctx, db,
		analysisSelect+` WHERE agent_id = ? AND is_current
		  AND analyzed_at >= ? AND analyzed_at < ?
		ORDER BY analyzed_at ASC`,
		subject, formatSortable(from), formatSortable(to))
}

// ListSubjects returns the distinct subjects with current analyses in range.
func (s *Store) ListSubjects(ctx context.Context, from, to time.Time) ([]coach.AgentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSubjects(ctx, s.db, from, to)
}

func listSubjects(ctx context.Context, db execQuerier, from, to time.Time) ([]coach.AgentID, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM analyses
		WHERE is_current AND analyzed_at >= ? AND analyzed_at < ?
		ORDER BY agent_id ASC`,
		formatSortable(from), formatSortable(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []coach.AgentID
	for rows.Next() {
		var a coach.AgentID
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		subjects = append(subjects, a)
	}
	return subjects, rows.Err()
}

const analysisSelect = `
	SELECT analysis_id, conversation_id, agent_id, analyzed_at, assessments_json,
	       overall_score, critical_issue_count, resolution_achieved, situation_summary,
	       superseded_by, is_current, reanalysis_reason, model_id, prompt_version
	FROM analyses`

func queryAnalyses(ctx context.Context, db execQuerier, query string, args ...any) ([]coach.AnalysisRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var recs []coach.AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanAnalysis(row scanner) (*coach.AnalysisRecord, error) {
	var (
		rec             coach.AnalysisRecord
		analyzedAt      string
		assessmentsJSON string
		overallScore    string
		supersededBy    string
	)

	err := row.Scan(
		&rec.AnalysisID, &rec.ConversationID, &rec.AgentID,
		&analyzedAt, &assessmentsJSON, &overallScore,
		&rec.CriticalIssueCount, &rec.ResolutionAchieved, &rec.SituationSummary,
		&supersededBy, &rec.IsCurrent,
		&rec.ReanalysisReason, &rec.ModelID, &rec.PromptVersion,
	)
	if err != nil {
		return nil, err
	}

	rec.AnalyzedAt, _ = time.Parse(time.RFC3339Nano, analyzedAt)
	rec.OverallScore = coach.MustParseDecimal(overallScore)
	rec.SupersededBy = coach.AnalysisID(supersededBy)
	if assessmentsJSON != "" {
		if err := json.Unmarshal([]byte(assessmentsJSON), &rec.Assessments); err != nil {
			return nil, fmt.Errorf("failed to decode assessments: %w", err)
		}
	}
	return &rec, nil
}

// WithTx executes fn within a database transaction. The supersede-then-
// insert sequence runs through here so readers never observe a conversation
// with analyses but no current row.
func (s *Store) WithTx(ctx context.Context, fn func(coach.AnalysisStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txAnalysisStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txAnalysisStore runs the analysis operations against an open transaction.
type txAnalysisStore struct {
	tx *sql.Tx
}

func (ts *txAnalysisStore) InsertAnalysis(ctx context.Context, rec coach.AnalysisRecord) error {
	return insertAnalysis(ctx, ts.tx, rec)
}

func (ts *txAnalysisStore) GetAnalysis(ctx context.Context, id coach.AnalysisID) (*coach.AnalysisRecord, error) {
	return getAnalysis(ctx, ts.tx, id)
}

func (ts *txAnalysisStore) GetCurrentAnalysis(ctx context.Context, id coach.ConversationID) (*coach.AnalysisRecord, error) {
	return getCurrentAnalysis(ctx, ts.tx, id)
}

func (ts *txAnalysisStore) MarkSuperseded(ctx context.Context, old, by coach.AnalysisID) error {
	return markSuperseded(ctx, ts.tx, old, by)
}

func (ts *txAnalysisStore) MarkCurrent(ctx context.Context, id coach.AnalysisID) error {
	return markCurrent(ctx, ts.tx, id)
}

func (ts *txAnalysisStore) ListAnalyses(ctx context.Context, id coach.ConversationID) ([]coach.AnalysisRecord, error) {
	return listAnalyses(ctx, ts.tx, id)
}

func (ts *txAnalysisStore) ListCurrentInRange(ctx context.Context, subject coach.AgentID, from, to time.Time) ([]coach.AnalysisRecord, error) {
	return listCurrentInRange(ctx, ts.tx, subject, from, to)
}

func (ts *txAnalysisStore) ListSubjects(ctx context.Context, from, to time.Time) ([]coach.AgentID, error) {
	return listSubjects(ctx, ts.tx, from, to)
}

// =============================================================================
// CITATION STORE (coach.CitationStore interface)
// =============================================================================

// InsertCitations appends citation rows. Write-once: no updates exist.
func (s *Store) InsertCitations(ctx context.Context, citations []coach.CitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, c := range citations {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO citations (analysis_id, doc_id, doc_version, relevance_score, retrieved_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.AnalysisID, c.DocID, c.DocVersion,
			c.RelevanceScore.String(),
			formatSortable(c.RetrievedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert citation: %w", err)
		}
	}
	return sqlTx.Commit()
}

// ListCitations returns the citations for an analysis.
func (s *Store) ListCitations(ctx context.Context, analysisID coach.AnalysisID) ([]coach.CitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCitations(ctx, `
		SELECT analysis_id, doc_id, doc_version, relevance_score, retrieved_at
		FROM citations WHERE analysis_id = ?
		ORDER BY relevance_score DESC`, analysisID)
}

// ListCitationsByDocument is the audit query. Empty docVersion matches all
// versions of the document.
func (s *Store) ListCitationsByDocument(ctx context.Context, docID, docVersion string) ([]coach.CitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if docVersion == "" {
		return s.queryCitations(ctx, `
			SELECT analysis_id, doc_id, doc_version, relevance_score, retrieved_at
			FROM citations WHERE doc_id = ?
			ORDER BY retrieved_at DESC`, docID)
	}
	return s.queryCitations(ctx, `
		SELECT analysis_id, doc_id, doc_version, relevance_score, retrieved_at
		FROM citations WHERE doc_id = ? AND doc_version = ?
		ORDER BY retrieved_at DESC`, docID, docVersion)
}

func (s *Store) queryCitations(ctx context.Context, query string, args ...any) ([]coach.CitationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query citations: %w", err)
	}
	defer rows.Close()

	var citations []coach.CitationRecord
	for rows.Next() {
		var (
			c           coach.CitationRecord
			relevance   string
			retrievedAt string
		)
		if err := rows.Scan(&c.AnalysisID, &c.DocID, &c.DocVersion, &relevance, &retrievedAt); err != nil {
			return nil, err
		}
		c.RelevanceScore = coach.MustParseDecimal(relevance)
		c.RetrievedAt, _ = time.Parse(time.RFC3339Nano, retrievedAt)
		citations = append(citations, c)
	}
	return citations, rows.Err()
}

// =============================================================================
// AGGREGATE STORE (coach.AggregateStore interface)
// =============================================================================

// PutAggregate upserts the numeric fields. Narrative fields on an existing
// row are deliberately left out of the conflict clause: they survive a
// numeric recompute until the narrator re-runs.
func (s *Store) PutAggregate(ctx context.Context, agg coach.PeriodAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dimJSON, err := json.Marshal(agg.DimensionAverages)
	if err != nil {
		return fmt.Errorf("failed to encode dimension averages: %w", err)
	}
	issuesJSON, _ := json.Marshal(agg.IssueCounts)
	topJSON, _ := json.Marshal(agg.TopIssues)
	worstJSON, err := json.Marshal(agg.WorstConversations)
	if err != nil {
		return fmt.Errorf("failed to encode worst refs: %w", err)
	}
	bestJSON, err := json.Marshal(agg.BestConversations)
	if err != nil {
		return fmt.Errorf("failed to encode best refs: %w", err)
	}

	query := `
		INSERT INTO aggregates
		(subject_id, period_type, period_start, call_count, dimension_averages_json,
		 overall_avg, resolution_rate, issue_counts_json, top_issues_json,
		 critical_issue_count, overall_delta, trend, worst_json, best_json, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, period_type, period_start) DO UPDATE SET
			call_count = excluded.call_count,
			dimension_averages_json = excluded.dimension_averages_json,
			overall_avg = excluded.overall_avg,
			resolution_rate = excluded.resolution_rate,
			issue_counts_json = excluded.issue_counts_json,
			top_issues_json = excluded.top_issues_json,
			critical_issue_count = excluded.critical_issue_count,
			overall_delta = excluded.overall_delta,
			trend = excluded.trend,
			worst_json = excluded.worst_json,
			best_json = excluded.best_json,
			generated_at = excluded.generated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		agg.SubjectID, agg.PeriodType, agg.PeriodStart.Format(time.RFC3339),
		agg.CallCount, string(dimJSON),
		nullDecimal(agg.OverallAvg), nullDecimal(agg.ResolutionRate),
		string(issuesJSON), string(topJSON),
		agg.CriticalIssueCount,
		nullDecimal(agg.OverallDelta), agg.Trend,
		string(worstJSON), string(bestJSON),
		agg.GeneratedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put aggregate: %w", err)
	}
	return nil
}

// GetAggregate retrieves one aggregate row, or ErrAggregateNotFound.
func (s *Store) GetAggregate(ctx context.Context, subject coach.AgentID, pt coach.PeriodType, start time.Time) (*coach.PeriodAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, aggregateSelect+
		" WHERE subject_id = ? AND period_type = ? AND period_start = ?",
		subject, pt, start.Format(time.RFC3339))

	agg, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, coach.ErrAggregateNotFound
	}
	return agg, err
}

// ListAggregates returns rows of one type in [from, to), oldest first.
func (s *Store) ListAggregates(ctx context.Context, subject coach.AgentID, pt coach.PeriodType, from, to time.Time) ([]coach.PeriodAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, aggregateSelect+`
		WHERE subject_id = ? AND period_type = ?
		  AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC`,
		subject, pt, from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []coach.PeriodAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, *agg)
	}
	return aggs, rows.Err()
}

// UpdateNarrative writes narrative enrichment onto an existing row.
func (s *Store) UpdateNarrative(ctx context.Context, subject coach.AgentID, pt coach.PeriodType, start time.Time,
	narrative string, actions []string, narrativeErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actionsJSON, _ := json.Marshal(actions)
	res, err := s.db.ExecContext(ctx, `
		UPDATE aggregates
		SET narrative = ?, actions_json = ?, narrative_error = ?, narrative_generated_at = ?
		WHERE subject_id = ? AND period_type = ? AND period_start = ?`,
		narrative, string(actionsJSON), narrativeErr, at.Format(time.RFC3339),
		subject, pt, start.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to update narrative: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coach.ErrAggregateNotFound
	}
	return nil
}

const aggregateSelect = `
	SELECT subject_id, period_type, period_start, call_count, dimension_averages_json,
	       overall_avg, resolution_rate, issue_counts_json, top_issues_json,
	       critical_issue_count, overall_delta, trend, worst_json, best_json,
	       narrative, actions_json, narrative_error, narrative_generated_at, generated_at
	FROM aggregates`

func scanAggregate(row scanner) (*coach.PeriodAggregate, error) {
	var (
		agg                     coach.PeriodAggregate
		periodStart             string
		dimJSON                 string
		overallAvg              sql.NullString
		resolutionRate          sql.NullString
		issuesJSON, topJSON     string
		overallDelta            sql.NullString
		worstJSON, bestJSON     string
		actionsJSON             string
		narrativeGeneratedAt    sql.NullString
		generatedAt             string
	)

	err := row.Scan(
		&agg.SubjectID, &agg.PeriodType, &periodStart, &agg.CallCount, &dimJSON,
		&overallAvg, &resolutionRate, &issuesJSON, &topJSON,
		&agg.CriticalIssueCount, &overallDelta, &agg.Trend, &worstJSON, &bestJSON,
		&agg.Narrative, &actionsJSON, &agg.NarrativeError, &narrativeGeneratedAt, &generatedAt,
	)
	if err != nil {
		return nil, err
	}

	agg.PeriodStart, _ = time.Parse(time.RFC3339, periodStart)
	agg.GeneratedAt, _ = time.Parse(time.RFC3339, generatedAt)
	agg.NarrativeGeneratedAt = nullTime(narrativeGeneratedAt)
	agg.OverallAvg = parseNullDecimal(overallAvg)
	agg.ResolutionRate = parseNullDecimal(resolutionRate)
	agg.OverallDelta = parseNullDecimal(overallDelta)

	if err := json.Unmarshal([]byte(dimJSON), &agg.DimensionAverages); err != nil {
		return nil, fmt.Errorf("failed to decode dimension averages: %w", err)
	}
	json.Unmarshal([]byte(issuesJSON), &agg.IssueCounts)
	json.Unmarshal([]byte(topJSON), &agg.TopIssues)
	if err := json.Unmarshal([]byte(worstJSON), &agg.WorstConversations); err != nil {
		return nil, fmt.Errorf("failed to decode worst refs: %w", err)
	}
	if err := json.Unmarshal([]byte(bestJSON), &agg.BestConversations); err != nil {
		return nil, fmt.Errorf("failed to decode best refs: %w", err)
	}
	json.Unmarshal([]byte(actionsJSON), &agg.RecommendedActions)

	return &agg, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"citations", "analyses", "aggregates", "conversations"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d := coach.MustParseDecimal(s.String)
	return &d
}
