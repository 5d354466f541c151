package types

// CallRecord is the local call-activity journal entry persisted per finished
// call cycle. The authoritative call record lives in the CRM backend; this
// journal only feeds the agent's recent-calls panel.
type CallRecord struct {
	AgentID         string      `json:"agentId" dynamodbav:"AgentID"`     // partition key
	StartedAt       string      `json:"startedAt" dynamodbav:"StartedAt"` // RFC3339 (sort key)
	CallID          string      `json:"callId" dynamodbav:"CallID"`       // journal id, not the CRM record id
	Direction       string      `json:"direction" dynamodbav:"Direction"`
	PhoneNumber     string      `json:"phoneNumber" dynamodbav:"PhoneNumber"`
	DisplayName     string      `json:"displayName,omitempty" dynamodbav:"DisplayName"`
	LeadID          string      `json:"leadId,omitempty" dynamodbav:"LeadID"`
	Disposition     Disposition `json:"disposition" dynamodbav:"Disposition"`
	DurationSeconds int         `json:"durationSeconds" dynamodbav:"DurationSeconds"`
	ProviderCallID  string      `json:"providerCallId,omitempty" dynamodbav:"ProviderCallID"`
	CRMRecordID     string      `json:"crmRecordId,omitempty" dynamodbav:"CRMRecordID"`
	EndedAt         string      `json:"endedAt,omitempty" dynamodbav:"EndedAt"` // RFC3339
}
