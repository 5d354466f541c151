package session

import (
	"context"

	"github.com/rbeltran/dialdesk/internal/crm"
	"github.com/rbeltran/dialdesk/internal/metrics"
)

// reconcileOutcome pushes the final duration of a connected call to the
// CRM record. When the record id was never learned during the call it
// falls back to a lookup by provider call id. The update is an idempotent
// upsert on the backend side, so retried or duplicated completions are
// harmless. Failures log and increment a counter; they never disturb the
// session state the agent sees.
func (c *Coordinator) reconcileOutcome(recordID, providerID string, outcome crm.CallOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	if recordID == "" {
		if providerID == "" {
			c.logger.Warn().Msg("call finished with no record id and no provider call id, skipping reconciliation")
			metrics.RecordReconciliationError("no_identifiers")
			return
		}
		ref, err := c.backend.LookupCallByProviderID(ctx, providerID)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("provider_call_id", providerID).
				Msg("fallback record lookup failed, duration not persisted")
			metrics.RecordReconciliationError("lookup_failed")
			return
		}
		recordID = ref.ID
		metrics.RecordReconciliationFallback()
	}

	if err := c.backend.CompleteCall(ctx, recordID, outcome); err != nil {
		c.logger.Warn().Err(err).
			Str("record_id", recordID).
			Int("duration_seconds", outcome.DurationSeconds).
			Msg("call record update failed")
		metrics.RecordReconciliationError("update_failed")
		return
	}
	c.logger.Info().
		Str("record_id", recordID).
		Int("duration_seconds", outcome.DurationSeconds).
		Msg("call record reconciled")
}
