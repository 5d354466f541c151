package types

import "time"

// CallState represents the lifecycle state of the agent's telephony session
type CallState string

const (
	CallStateIdle       CallState = "idle"       // No call in progress
	CallStateConnecting CallState = "connecting" // Outbound initiate sent, waiting for ring-back
	CallStateRinging    CallState = "ringing"    // Call leg delivered, not yet answered
	CallStateConnected  CallState = "connected"  // Media up, duration ticking
	CallStateEnded      CallState = "ended"      // Call finished, summary values retained until reset
)

// RegistrationStatus reports whether the agent's device holds an
// acknowledged connection with the signaling service
type RegistrationStatus string

const (
	RegistrationStatusUnregistered RegistrationStatus = "unregistered"
	RegistrationStatusRegistered   RegistrationStatus = "registered"
)

// CallDirection distinguishes agent-initiated calls from genuine inbound calls
type CallDirection string

const (
	DirectionNone     CallDirection = ""
	DirectionOutbound CallDirection = "outbound"
	DirectionInbound  CallDirection = "inbound"
)

// OutboundTarget identifies who the agent is dialing. It is recorded before
// the initiate request is sent so the ring-back event can always read it.
type OutboundTarget struct {
	LeadID      string `json:"leadId,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName"`
}

// Disposition is the outcome code recorded for a finished call cycle
type Disposition string

const (
	DispositionConnected Disposition = "connected"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionRejected  Disposition = "rejected"
	DispositionCanceled  Disposition = "canceled"
	DispositionTimedOut  Disposition = "timed_out"
	DispositionFailed    Disposition = "failed"
)

// CallSnapshot is the read-only view of one agent's session state.
// Consumers re-render from full snapshots and never hold mutable copies.
type CallSnapshot struct {
	AgentID         string             `json:"agentId"`
	State           CallState          `json:"state"`
	Registration    RegistrationStatus `json:"registration"`
	Direction       CallDirection      `json:"direction,omitempty"`
	CallerNumber    string             `json:"callerNumber,omitempty"`
	CallerName      string             `json:"callerName,omitempty"`
	LeadID          string             `json:"leadId,omitempty"`
	Muted           bool               `json:"muted"`
	DurationSeconds int                `json:"durationSeconds"`
	LocalRecordID   string             `json:"localRecordId,omitempty"`
	ProviderCallID  string             `json:"providerCallId,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}
