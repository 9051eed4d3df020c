/*
pipeline.go - Stage runners and the worker pool

PURPOSE:
  Stateless workers pull conversation ids from an in-process queue and run
  whichever stage the conversation's status calls for:

    sanitize  NEW → SANITIZED          (records the upstream redaction pass)
    ingest    NEW|SANITIZED → INGESTED (submit artifacts to analytics)
    enrich    INGESTED → ENRICHED      (Enricher)
    coach     ENRICHED → COACHED       (Retriever + CoachModel, writes the
                                        analysis and its citations)

CONCURRENCY MODEL:
  No locks, no leases. Every transition goes through Ledger.Advance, a
  conditional write: when two workers race the same conversation exactly one
  wins and the loser observes a StaleStateError and skips the item. The
  feeder may enqueue an id twice; the conditional write makes that harmless.

FAILURE HANDLING:
  Transient external failures are retried with exponential backoff at the
  stage boundary, then MarkFailed with the error recorded. Schema-invalid
  model output is never retried: the raw payload is logged and the
  conversation goes straight to FAILED for operator review.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/warp/coach-engine/coach"
)

// Defaults for the worker pool.
const (
	DefaultWorkers      = 4
	DefaultBatchSize    = 50
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBaseBackoff  = 1 * time.Second
)

// Pipeline wires the ledger, the evidence store and the three external
// services into a polling worker pool.
type Pipeline struct {
	Ledger   *coach.Ledger
	Evidence *coach.EvidenceStore
	Enricher Enricher
	Retrieve Retriever
	Model    CoachModel

	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration

	// RunSanitize records the upstream redaction pass as its own stage.
	// When false, NEW conversations advance directly to INGESTED.
	RunSanitize bool

	Logger *log.Logger
}

// New creates a Pipeline with default pool settings.
func New(ledger *coach.Ledger, evidence *coach.EvidenceStore, enricher Enricher, retriever Retriever, model CoachModel) *Pipeline {
	return &Pipeline{
		Ledger:       ledger,
		Evidence:     evidence,
		Enricher:     enricher,
		Retrieve:     retriever,
		Model:        model,
		Workers:      DefaultWorkers,
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		BaseBackoff:  DefaultBaseBackoff,
		Logger:       log.Default(),
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Run polls the ledger for pending work and fans it out to the worker pool
// until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queue := make(chan coach.ConversationRecord, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range queue {
				if err := p.ProcessOne(ctx, rec); err != nil {
					p.logf("pipeline: conversation %s: %v", rec.ConversationID, err)
				}
			}
		}()
	}

	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.feed(ctx, queue)
	for {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return
		case <-ticker.C:
			p.feed(ctx, queue)
		}
	}
}

// feed enqueues one batch of pending conversations per stage. Duplicate
// enqueues are harmless: the conditional advance resolves them.
func (p *Pipeline) feed(ctx context.Context, queue chan<- coach.ConversationRecord) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	lists := []func(context.Context, int) ([]coach.ConversationRecord, error){
		p.Ledger.PendingForIngestion,
		p.Ledger.PendingForEnrichment,
		p.Ledger.PendingForCoaching,
	}
	for _, list := range lists {
		recs, err := list(ctx, batch)
		if err != nil {
			p.logf("pipeline: listing pending work: %v", err)
			continue
		}
		for _, rec := range recs {
			select {
			case queue <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ProcessOne runs the single stage the conversation's current status calls
// for. A lost status race is a skip, not an error.
func (p *Pipeline) ProcessOne(ctx context.Context, rec coach.ConversationRecord) error {
	var err error
	switch rec.Status {
	case coach.StatusNew:
		if p.RunSanitize {
			err = p.sanitize(ctx, rec)
		} else {
			err = p.ingest(ctx, rec)
		}
	case coach.StatusSanitized:
		err = p.ingest(ctx, rec)
	case coach.StatusIngested:
		err = p.enrich(ctx, rec)
	case coach.StatusEnriched:
		err = p.coach(ctx, rec)
	default:
		return nil // COACHED or FAILED: nothing to do
	}

	if coach.IsRecoverableRace(err) {
		// Another worker won the transition. Expected under concurrency.
		return nil
	}
	return err
}

// =============================================================================
// STAGES
// =============================================================================

// sanitize records completion of the upstream redaction pass. The engine
// performs no redaction itself; this transition exists so downstream stages
// only ever read sanitized artifacts.
func (p *Pipeline) sanitize(ctx context.Context, rec coach.ConversationRecord) error {
	return p.Ledger.Advance(ctx, rec.ConversationID, coach.StatusNew, coach.StatusSanitized)
}

// ingest submits the conversation's artifacts to the analytics service.
// Requires transcript and metadata; conversations still missing either are
// left for a later poll.
func (p *Pipeline) ingest(ctx context.Context, rec coach.ConversationRecord) error {
	if !rec.ReadyForIngestion() {
		return nil
	}
	err := p.withRetries(ctx, func() error {
		return p.Enricher.Submit(ctx, rec)
	})
	if err != nil {
		return p.fail(ctx, rec.ConversationID, fmt.Errorf("ingest: %w", err))
	}
	return p.Ledger.Advance(ctx, rec.ConversationID, rec.Status, coach.StatusIngested)
}

// enrich waits on the analytics service's enrichment for the conversation.
func (p *Pipeline) enrich(ctx context.Context, rec coach.ConversationRecord) error {
	err := p.withRetries(ctx, func() error {
		_, err := p.Enricher.Enrich(ctx, rec.ConversationID)
		return err
	})
	if err != nil {
		return p.fail(ctx, rec.ConversationID, fmt.Errorf("enrich: %w", err))
	}
	return p.Ledger.Advance(ctx, rec.ConversationID, coach.StatusIngested, coach.StatusEnriched)
}

// coach runs retrieval and the coaching model, records the analysis with
// its citations, then advances the conversation.
func (p *Pipeline) coach(ctx context.Context, rec coach.ConversationRecord) error {
	var result *CoachingResult
	var excerpts []PolicyExcerpt

	err := p.withRetries(ctx, func() error {
		enrichment, err := p.Enricher.Enrich(ctx, rec.ConversationID)
		if err != nil {
			return err
		}
		excerpts, err = p.Retrieve.Retrieve(ctx, enrichment.Topics)
		if err != nil {
			return err
		}
		result, err = p.Model.Coach(ctx, rec, enrichment, excerpts)
		return err
	})
	if err != nil {
		return p.fail(ctx, rec.ConversationID, fmt.Errorf("coach: %w", err))
	}

	citations := make([]coach.CitationRecord, 0, len(excerpts))
	for _, ex := range excerpts {
		citations = append(citations, coach.CitationRecord{
			DocID:          ex.DocID,
			DocVersion:     ex.DocVersion,
			RelevanceScore: ex.Relevance,
		})
	}

	_, err = p.Evidence.RecordAnalysis(ctx, coach.RecordInput{
		ConversationID:     rec.ConversationID,
		AgentID:            rec.AgentID,
		Assessments:        result.Assessments,
		Citations:          citations,
		SituationSummary:   result.SituationSummary,
		ResolutionAchieved: result.ResolutionAchieved,
		ModelID:            result.ModelID,
		PromptVersion:      result.PromptVersion,
	})
	if err != nil {
		return p.fail(ctx, rec.ConversationID, fmt.Errorf("coach: record analysis: %w", err))
	}
	return p.Ledger.Advance(ctx, rec.ConversationID, coach.StatusEnriched, coach.StatusCoached)
}

// fail records the failure on the ledger and returns the cause for logging.
func (p *Pipeline) fail(ctx context.Context, id coach.ConversationID, cause error) error {
	var schemaErr *coach.SchemaInvalidError
	if errors.As(cause, &schemaErr) {
		// Raw payload goes to the log for operator diagnosis; it is never
		// coerced into the evidence store.
		p.logf("pipeline: conversation %s: schema-invalid model output: %s", id, schemaErr.RawPayload)
	}
	if err := p.Ledger.MarkFailed(ctx, id, cause); err != nil {
		return fmt.Errorf("mark failed: %v (original: %w)", err, cause)
	}
	return cause
}

// withRetries runs op with exponential backoff. Schema-invalid output and
// context cancellation are terminal; everything else is assumed transient.
func (p *Pipeline) withRetries(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.BaseBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, coach.ErrSchemaInvalid) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
