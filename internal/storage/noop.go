package storage

import "github.com/rbeltran/dialdesk/internal/types"

// Store is the call-activity journal. The CRM stays the system of record;
// this journal only feeds the agent's recent-calls view and survives CRM
// outages.
type Store interface {
	SaveCallRecord(record types.CallRecord) error
	GetRecentCalls(agentID string, limit int) ([]types.CallRecord, error)
}

// NoopStore is used when the journal is disabled (DYNAMO_MODE=none)
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveCallRecord(_ types.CallRecord) error { return nil }
func (s *NoopStore) GetRecentCalls(_ string, _ int) ([]types.CallRecord, error) {
	return nil, nil
}
