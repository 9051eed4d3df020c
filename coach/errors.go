/*
errors.go - Centralized error types for the coaching engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should match with errors.Is / errors.As, never string compares.

ERROR CATEGORIES:
  1. State machine errors - Lost races, illegal transitions, retry ceiling
  2. Evidence store errors - Supersede chain violations
  3. External service errors - Schema-invalid coaching responses
  4. Not-found sentinels

USAGE:
  if errors.Is(err, coach.ErrStaleState) {
      // Another worker won the transition. Skip the item.
  }

SEE ALSO:
  - ledger.go: Produces stale-state and retry errors
  - evidence.go: Produces orphaned-supersede errors
*/
package coach

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStaleState is returned when a conditional status advance finds the
	// record no longer in the expected from-status. This is expected when
	// concurrent workers race the same conversation: the loser skips.
	ErrStaleState = errors.New("stale state: conversation already transitioned")

	// ErrNotRetryable is returned when a FAILED conversation has exhausted
	// its retry ceiling and must be surfaced to an operator.
	ErrNotRetryable = errors.New("retry ceiling exceeded")

	// ErrSchemaInvalid is returned when an external coaching call produced
	// a structurally invalid response. Never coerced, never partially stored.
	ErrSchemaInvalid = errors.New("schema-invalid coaching response")

	// ErrOrphanedSupersede is reported when a conversation has analyses but
	// none flagged current. Detected by the repair job, never auto-guessed
	// outside it.
	ErrOrphanedSupersede = errors.New("orphaned supersede: no current analysis")

	// ErrInvalidTransition is returned for status moves outside the fixed
	// forward order.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownAnalysis is returned when citations reference an analysis
	// that does not exist. Rejected, not silently dropped.
	ErrUnknownAnalysis = errors.New("unknown analysis id")

	// ErrConversationNotFound is returned for lookups of unregistered ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAnalysisNotFound is returned when a conversation has no analyses.
	ErrAnalysisNotFound = errors.New("analysis not found")

	// ErrAggregateNotFound is returned for aggregate lookups that have not
	// been computed yet - distinct from a computed zero-call aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StaleStateError reports a lost state-transition race with the status the
// loser expected and the transition it attempted.
type StaleStateError struct {
	ConversationID ConversationID
	Expected       Status
	Attempted      Status
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state on %s: expected %s, attempted advance to %s",
		e.ConversationID, e.Expected, e.Attempted)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

// NotRetryableError reports a conversation past its retry ceiling.
type NotRetryableError struct {
	ConversationID ConversationID
	RetryCount     int
	Ceiling        int
	LastError      string
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("conversation %s not retryable: %d retries (ceiling %d), last error: %s",
		e.ConversationID, e.RetryCount, e.Ceiling, e.LastError)
}

func (e *NotRetryableError) Unwrap() error { return ErrNotRetryable }

// SchemaInvalidError carries the raw payload for the audit log. The
// conversation is marked FAILED; nothing is partially ingested.
type SchemaInvalidError struct {
	ConversationID ConversationID
	Reason         string
	RawPayload     string
}

func (e *SchemaInvalidError) Error() string {
	return fmt.Sprintf("schema-invalid response for %s: %s", e.ConversationID, e.Reason)
}

func (e *SchemaInvalidError) Unwrap() error { return ErrSchemaInvalid }

// OrphanedSupersedeError identifies the conversation whose supersede chain
// lost its current row.
type OrphanedSupersedeError struct {
	ConversationID ConversationID
	AnalysisCount  int
}

func (e *OrphanedSupersedeError) Error() string {
	return fmt.Sprintf("conversation %s has %d analyses but none current",
		e.ConversationID, e.AnalysisCount)
}

func (e *OrphanedSupersedeError) Unwrap() error { return ErrOrphanedSupersede }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRecoverableRace returns true when the error just means another worker
// won; the caller should skip the item, not fail it.
func IsRecoverableRace(err error) bool {
	return errors.Is(err, ErrStaleState)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrAnalysisNotFound) ||
		errors.Is(err, ErrAggregateNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnknownAnalysis)
}
