package types

import "time"

// Frame types pushed to dashboard clients over WebSocket
const (
	FrameTypeSession = "session"
	FrameTypeNotice  = "notice"
)

// NoticeLevel controls how the dashboard renders a transient notice
type NoticeLevel string

const (
	NoticeLevelInfo    NoticeLevel = "info"
	NoticeLevelWarning NoticeLevel = "warning"
	NoticeLevelError   NoticeLevel = "error"
)

// Notice is a transient, non-blocking message for the agent (dial timeout,
// initiation failure, signaling disconnect). Never used for control flow.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Frame is the envelope for every message pushed to a dashboard client
type Frame struct {
	Type      string        `json:"type"`
	AgentID   string        `json:"agentId"`
	Session   *CallSnapshot `json:"session,omitempty"`
	Notice    *Notice       `json:"notice,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notice codes surfaced by the session coordinator
const (
	NoticeCodeDialTimeout    = "dial_timeout"
	NoticeCodeDialFailed     = "dial_failed"
	NoticeCodeCallError      = "call_error"
	NoticeCodeReconnecting   = "reconnecting"
	NoticeCodeDisconnected   = "disconnected"
	NoticeCodeRegistered     = "registered"
)
