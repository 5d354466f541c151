// Package session owns the lifecycle of one telephony session per signed-in
// agent: device registration, the active call leg, the derived call state,
// and the reconciliation of local state against CRM call records.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/crm"
	"github.com/rbeltran/dialdesk/internal/metrics"
	"github.com/rbeltran/dialdesk/internal/telephony"
	"github.com/rbeltran/dialdesk/internal/types"
)

const (
	// connectDeadline bounds how long an outbound call may sit in
	// connecting before it is force-canceled
	connectDeadline = 30 * time.Second

	// reRegisterDelay is the fixed wait before the first re-registration
	// attempt after an unregistered event
	reRegisterDelay = 1 * time.Second

	// durationTick is the resolution of the advisory duration counter;
	// the persisted duration is computed from the accept timestamp
	durationTick = 1 * time.Second

	// reconcileTimeout bounds best-effort CRM bookkeeping calls that run
	// outside a consumer request
	reconcileTimeout = 10 * time.Second
)

var (
	ErrCallInProgress = errors.New("session: a call is already in progress")
	ErrNotRegistered  = errors.New("session: device is not registered with the signaling service")
	ErrNoActiveCall   = errors.New("session: no active call")
	ErrInvalidState   = errors.New("session: operation not valid in current call state")
	ErrClosed         = errors.New("session: session has been torn down")
)

// Backend is the subset of the CRM client the coordinator depends on
type Backend interface {
	FetchVoiceToken(ctx context.Context, agentID string) (crm.VoiceToken, error)
	InitiateCall(ctx context.Context, req crm.InitiateCallRequest) (crm.CallRecordRef, error)
	LookupCallByProviderID(ctx context.Context, providerCallID string) (crm.CallRecordRef, error)
	CompleteCall(ctx context.Context, recordID string, outcome crm.CallOutcome) error
	CancelCall(ctx context.Context, recordID, reason string) error
	SetAgentStatus(ctx context.Context, agentID string, online bool) error
}

// Journal is the subset of storage.Store used for the local call-activity
// journal. Writes are best-effort and never block call flow.
type Journal interface {
	SaveCallRecord(record types.CallRecord) error
}

// Publisher delivers a frame to the agent's dashboard clients. It must not
// block; the websocket hub buffers per client.
type Publisher func(agentID string, frame types.Frame)

// Coordinator owns a single agent's telephony session. All state
// transitions are serialized by one mutex; adapter callbacks, timer
// firings and consumer operations all funnel through it, so no two
// transitions are ever processed concurrently.
type Coordinator struct {
	agentID string

	backend Backend
	factory telephony.DeviceFactory
	journal Journal
	publish Publisher
	clock   clock.Clock
	logger  zerolog.Logger

	mu sync.Mutex

	device       telephony.Device
	registration types.RegistrationStatus

	state        types.CallState
	activeCall   telephony.CallLeg
	muted        bool
	durationSecs int
	acceptedAt   time.Time
	startedAt    time.Time

	localRecordID  string
	providerCallID string

	// target survives across asynchronous callbacks: it is written,
	// fully, before the initiate request is issued, so the incoming
	// event handler can always read it (ring-back disambiguation)
	target *types.OutboundTarget

	direction    types.CallDirection
	callerNumber string
	callerName   string
	leadID       string

	connectTimer *clock.Timer

	// gen increments at every call-cycle boundary. In-flight async
	// completions (initiate response, record lookup, ticker fires)
	// capture it and drop their result when it no longer matches.
	gen uint64

	// pendingCancelGen/Reason remember why a cycle was force-canceled
	// while its initiate response was still in flight, so the late
	// response cancels the orphan record with the matching reason
	pendingCancelGen    uint64
	pendingCancelReason string

	reRegistering bool
	closed        bool
}

// Config wires a coordinator's collaborators
type Config struct {
	AgentID string
	Backend Backend
	Factory telephony.DeviceFactory
	Journal Journal
	Publish Publisher
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// NewCoordinator creates a coordinator in the idle, unregistered state.
// Call Initialize to connect it to the signaling service.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		agentID:      cfg.AgentID,
		backend:      cfg.Backend,
		factory:      cfg.Factory,
		journal:      cfg.Journal,
		publish:      cfg.Publish,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With().Str("component", "session").Str("agent_id", cfg.AgentID).Logger(),
		registration: types.RegistrationStatusUnregistered,
		state:        types.CallStateIdle,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.publish == nil {
		c.publish = func(string, types.Frame) {}
	}
	return c
}

// MakeCall initiates an outbound call to the given number. The backend
// places the far-end leg; the provider then rings this agent's device back,
// which arrives as an incoming event (see handleIncoming).
func (c *Coordinator) MakeCall(ctx context.Context, leadID, phoneNumber, displayName string) error {
	if phoneNumber == "" {
		return fmt.Errorf("session: phone number is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.registration != types.RegistrationStatusRegistered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if c.state != types.CallStateIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}

	c.gen++
	gen := c.gen
	c.state = types.CallStateConnecting
	c.direction = types.DirectionOutbound
	// The target must be fully stored before the initiate request goes
	// out, so a ring-back arriving mid-request never reads an empty value
	c.target = &types.OutboundTarget{LeadID: leadID, PhoneNumber: phoneNumber, DisplayName: displayName}
	c.callerNumber = phoneNumber
	c.callerName = displayName
	c.leadID = leadID
	c.muted = false
	c.durationSecs = 0
	c.startedAt = c.clock.Now()
	c.armConnectDeadlineLocked(gen)
	c.publishSnapshotLocked()
	c.mu.Unlock()

	metrics.RecordCallPlaced()

	ref, err := c.backend.InitiateCall(ctx, crm.InitiateCallRequest{
		AgentID:     c.agentID,
		LeadID:      leadID,
		PhoneNumber: phoneNumber,
		DisplayName: displayName,
	})

	c.mu.Lock()
	if gen != c.gen || c.closed {
		reason := "canceled"
		if c.pendingCancelGen == gen && c.pendingCancelReason != "" {
			reason = c.pendingCancelReason
		}
		c.mu.Unlock()
		// The call cycle ended while the initiate request was in flight
		// (timeout or user cancel). If the backend created a record
		// anyway, cancel it so no orphan stays open.
		if err == nil && ref.ID != "" {
			go c.cancelRecord(ref.ID, reason)
		}
		return nil
	}
	if err != nil {
		c.logger.Error().Err(err).Str("phone", phoneNumber).Msg("call initiation failed")
		c.forceClearLocked(types.DispositionFailed)
		c.noticeLocked(types.NoticeLevelError, types.NoticeCodeDialFailed, "could not start the call")
		c.mu.Unlock()
		metrics.RecordCallFailed("initiate")
		return fmt.Errorf("session: initiate call: %w", err)
	}
	c.localRecordID = ref.ID
	c.publishSnapshotLocked()
	c.mu.Unlock()
	return nil
}

// AnswerCall accepts a ringing inbound call
func (c *Coordinator) AnswerCall() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != types.CallStateRinging || c.activeCall == nil {
		c.mu.Unlock()
		return ErrInvalidState
	}
	leg := c.activeCall
	c.mu.Unlock()

	// State moves to connected via the leg's accept event
	if err := leg.Accept(); err != nil {
		return fmt.Errorf("session: accept call: %w", err)
	}
	return nil
}

// RejectCall declines a ringing call. Per-call state clears immediately;
// no duration is persisted because the call never connected.
func (c *Coordinator) RejectCall() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != types.CallStateRinging || c.activeCall == nil {
		c.mu.Unlock()
		return ErrInvalidState
	}
	leg := c.activeCall
	c.clearConnectDeadlineLocked()
	c.journalLocked(types.DispositionRejected)
	c.clearCallLocked()
	c.publishSnapshotLocked()
	c.mu.Unlock()

	if err := leg.Reject(); err != nil {
		c.logger.Warn().Err(err).Msg("reject signal failed, call already cleared")
	}
	return nil
}

// HangUp ends the current call. A connected call is disconnected and
// transitions to ended via the leg's disconnect event; a pending outbound
// call is canceled through the same forced-clear path the deadline uses.
func (c *Coordinator) HangUp() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	switch c.state {
	case types.CallStateConnected:
		leg := c.activeCall
		c.mu.Unlock()
		if leg == nil {
			return ErrNoActiveCall
		}
		if err := leg.Disconnect(); err != nil {
			return fmt.Errorf("session: disconnect call: %w", err)
		}
		return nil

	case types.CallStateConnecting, types.CallStateRinging:
		if c.direction != types.DirectionOutbound {
			c.mu.Unlock()
			return ErrInvalidState
		}
		c.cancelPendingLocked(types.DispositionCanceled, false)
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return ErrNoActiveCall
	}
}

// ToggleMute flips the microphone state of a connected call
func (c *Coordinator) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	if c.state != types.CallStateConnected || c.activeCall == nil {
		return false, ErrInvalidState
	}
	next := !c.muted
	if err := c.activeCall.Mute(next); err != nil {
		return c.muted, fmt.Errorf("session: mute: %w", err)
	}
	c.muted = next
	c.publishSnapshotLocked()
	return next, nil
}

// SendDTMF sends a single dial tone on a connected call
func (c *Coordinator) SendDTMF(digit string) error {
	if len(digit) != 1 || !strings.ContainsAny(digit, "0123456789*#") {
		return fmt.Errorf("session: invalid DTMF digit %q", digit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != types.CallStateConnected || c.activeCall == nil {
		return ErrInvalidState
	}
	if err := c.activeCall.SendDigits(digit); err != nil {
		return fmt.Errorf("session: send digits: %w", err)
	}
	return nil
}

// ResetCallState clears the retained post-call summary (duration, record
// ids) and returns the session to idle. Consumers call it once they are
// done showing the call summary.
func (c *Coordinator) ResetCallState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch c.state {
	case types.CallStateIdle:
		return nil
	case types.CallStateEnded:
		c.gen++
		c.state = types.CallStateIdle
		c.durationSecs = 0
		c.localRecordID = ""
		c.providerCallID = ""
		c.direction = types.DirectionNone
		c.callerNumber = ""
		c.callerName = ""
		c.leadID = ""
		c.publishSnapshotLocked()
		return nil
	default:
		return ErrInvalidState
	}
}

// Snapshot returns a read-only copy of the session state
func (c *Coordinator) Snapshot() types.CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() types.CallSnapshot {
	return types.CallSnapshot{
		AgentID:         c.agentID,
		State:           c.state,
		Registration:    c.registration,
		Direction:       c.direction,
		CallerNumber:    c.callerNumber,
		CallerName:      c.callerName,
		LeadID:          c.leadID,
		Muted:           c.muted,
		DurationSeconds: c.durationSecs,
		LocalRecordID:   c.localRecordID,
		ProviderCallID:  c.providerCallID,
		Timestamp:       c.clock.Now(),
	}
}

// handleIncoming is the single entry point for every call leg the provider
// delivers. A non-empty target means this is the ring-back of the call the
// agent just initiated; the provider's caller-id field reflects the far
// end in that case and must not be trusted for identity.
func (c *Coordinator) handleIncoming(leg telephony.CallLeg) {
	c.mu.Lock()

	// Clear the stuck-connection guard before anything else so it can
	// never fire after the call has progressed
	c.clearConnectDeadlineLocked()

	if c.closed {
		c.mu.Unlock()
		go rejectQuietly(leg)
		return
	}

	switch {
	case c.target != nil && c.state == types.CallStateConnecting:
		// Ring-back: identity stays what the agent dialed
		c.state = types.CallStateRinging

	case c.target == nil && c.state == types.CallStateIdle:
		// Genuine inbound call
		c.gen++
		c.state = types.CallStateRinging
		c.direction = types.DirectionInbound
		c.callerNumber = leg.CallerID()
		c.callerName = "" // resolved by a consumer-side lead lookup
		c.leadID = ""
		c.muted = false
		c.durationSecs = 0
		c.startedAt = c.clock.Now()
		metrics.RecordInboundRing()

	default:
		// A second leg while one call is in flight: refuse it without
		// touching the current call
		c.logger.Warn().
			Str("state", string(c.state)).
			Str("caller_id", leg.CallerID()).
			Msg("rejecting call leg delivered while busy")
		c.mu.Unlock()
		go rejectQuietly(leg)
		return
	}

	gen := c.gen
	c.activeCall = leg
	if id := telephony.ProviderCallID(leg.Parameters()); id != "" {
		c.providerCallID = id
	}

	leg.Subscribe(telephony.CallLegEvents{
		OnAccept:     func() { c.handleAccept(gen) },
		OnDisconnect: func() { c.handleLegEnded(gen, nil) },
		OnCancel:     func() { c.handleLegEnded(gen, nil) },
		OnReject:     func() { c.handleLegReject(gen) },
		OnError:      func(err error) { c.handleLegEnded(gen, err) },
	})

	inbound := c.direction == types.DirectionInbound
	needsRecord := c.localRecordID == "" && c.providerCallID != ""
	c.publishSnapshotLocked()
	c.mu.Unlock()

	// Inbound records are created by the backend's provider webhook;
	// resolve ours by provider id as early as possible
	if inbound && needsRecord {
		go c.resolveRecordID(gen)
	}
}

// handleAccept moves a ringing call to connected and starts duration
// tracking from the acceptance timestamp
func (c *Coordinator) handleAccept(gen uint64) {
	c.mu.Lock()
	c.clearConnectDeadlineLocked()
	if gen != c.gen || c.closed || c.state != types.CallStateRinging {
		c.mu.Unlock()
		return
	}

	c.state = types.CallStateConnected
	c.acceptedAt = c.clock.Now()
	c.durationSecs = 0
	needsRecord := c.localRecordID == "" && c.providerCallID != ""
	c.publishSnapshotLocked()
	c.mu.Unlock()

	metrics.RecordCallConnected()
	go c.runDurationTicker(gen)
	if needsRecord {
		go c.resolveRecordID(gen)
	}
}

// handleLegEnded handles disconnect, cancel and error events from the
// active leg. A connected call finishes with reconciliation; a call that
// never connected clears without a backend duration update.
func (c *Coordinator) handleLegEnded(gen uint64, legErr error) {
	c.mu.Lock()
	c.clearConnectDeadlineLocked()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	if legErr != nil {
		c.logger.Warn().Err(legErr).Msg("call leg reported an error")
		c.noticeLocked(types.NoticeLevelWarning, types.NoticeCodeCallError, "the call ended unexpectedly")
	}

	switch c.state {
	case types.CallStateConnected:
		c.finishCallLocked(legErr)
	case types.CallStateRinging, types.CallStateConnecting:
		disposition := types.DispositionCanceled
		switch {
		case legErr != nil:
			disposition = types.DispositionFailed
		case c.direction == types.DirectionInbound && c.state == types.CallStateRinging:
			// The caller gave up before the agent answered
			disposition = types.DispositionNoAnswer
		}
		c.journalLocked(disposition)
		c.clearCallLocked()
		c.publishSnapshotLocked()
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleLegReject(gen uint64) {
	c.mu.Lock()
	c.clearConnectDeadlineLocked()
	if gen != c.gen || c.closed || c.state != types.CallStateRinging {
		c.mu.Unlock()
		return
	}
	c.journalLocked(types.DispositionRejected)
	c.clearCallLocked()
	c.publishSnapshotLocked()
	c.mu.Unlock()
}

// finishCallLocked completes a connected call: freeze the duration
// (computed from the accept timestamp, not the advisory ticks), move to
// ended, and kick off best-effort reconciliation and journaling.
func (c *Coordinator) finishCallLocked(legErr error) {
	final := int(c.clock.Now().Sub(c.acceptedAt) / time.Second)
	if final < 0 {
		final = 0
	}
	c.durationSecs = final

	outcome := crm.CallOutcome{
		DurationSeconds: final,
		Status:          "completed",
		EndedAt:         c.clock.Now(),
	}
	recordID := c.localRecordID
	providerID := c.providerCallID

	c.journalLocked(types.DispositionConnected)
	metrics.ObserveCallDuration(final)
	if legErr != nil {
		metrics.RecordCallFailed("leg_error")
	}

	// Ended retains duration, record ids and provider call id for the
	// post-call summary; the leg handle and call identity clear now
	c.state = types.CallStateEnded
	c.activeCall = nil
	c.target = nil
	c.callerNumber = ""
	c.callerName = ""
	c.muted = false
	c.publishSnapshotLocked()

	go c.reconcileOutcome(recordID, providerID, outcome)
}

// clearCallLocked wipes every per-call field and returns to idle. Used by
// the paths where the call never connected.
func (c *Coordinator) clearCallLocked() {
	c.gen++
	c.state = types.CallStateIdle
	c.activeCall = nil
	c.target = nil
	c.direction = types.DirectionNone
	c.callerNumber = ""
	c.callerName = ""
	c.leadID = ""
	c.muted = false
	c.durationSecs = 0
	c.localRecordID = ""
	c.providerCallID = ""
}

// forceClearLocked is clearCallLocked plus deadline cleanup, for paths
// that interrupt a pending call
func (c *Coordinator) forceClearLocked(disposition types.Disposition) {
	c.clearConnectDeadlineLocked()
	c.journalLocked(disposition)
	c.clearCallLocked()
	c.publishSnapshotLocked()
}

// cancelPendingLocked force-clears a not-yet-connected outbound call. The
// deadline timer and user cancel converge here; only the timer path
// surfaces a notice and marks the failure as a timeout.
func (c *Coordinator) cancelPendingLocked(disposition types.Disposition, timedOut bool) {
	gen := c.gen
	recordID := c.localRecordID
	reason := "canceled"
	if timedOut {
		reason = "timeout"
	}
	if leg := c.activeCall; leg != nil {
		go rejectQuietly(leg)
	}
	c.forceClearLocked(disposition)
	if timedOut {
		c.noticeLocked(types.NoticeLevelWarning, types.NoticeCodeDialTimeout, "the call timed out before connecting")
		metrics.RecordCallFailed("timeout")
	}
	if recordID != "" {
		go c.cancelRecord(recordID, reason)
		return
	}
	// No record id yet means the initiate response has not landed; leave
	// the reason behind for the late response to pick up
	c.pendingCancelGen = gen
	c.pendingCancelReason = reason
}

// armConnectDeadlineLocked starts the stuck-connection guard. Any existing
// timer is stopped first so repeated call cycles never accumulate timers.
func (c *Coordinator) armConnectDeadlineLocked(gen uint64) {
	c.clearConnectDeadlineLocked()
	c.connectTimer = c.clock.AfterFunc(connectDeadline, func() {
		c.handleConnectDeadline(gen)
	})
}

func (c *Coordinator) clearConnectDeadlineLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

func (c *Coordinator) handleConnectDeadline(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	if c.state != types.CallStateConnecting && c.state != types.CallStateRinging {
		return
	}
	c.logger.Warn().
		Str("phone", c.callerNumber).
		Msg("outbound call stuck connecting, force-canceling")
	c.cancelPendingLocked(types.DispositionTimedOut, true)
}

// runDurationTicker drives the advisory per-second duration display while
// the call stays connected. The persisted value never comes from here.
func (c *Coordinator) runDurationTicker(gen uint64) {
	ticker := c.clock.Ticker(durationTick)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if gen != c.gen || c.closed || c.state != types.CallStateConnected {
			c.mu.Unlock()
			return
		}
		c.durationSecs = int(c.clock.Now().Sub(c.acceptedAt) / time.Second)
		c.publishSnapshotLocked()
		c.mu.Unlock()
	}
}

// resolveRecordID looks up the CRM record by provider call id when the
// local record id was not learned directly (inbound calls, or a slow
// initiate response). Failures are non-fatal; the end-of-call path retries
// the lookup once more if needed.
func (c *Coordinator) resolveRecordID(gen uint64) {
	c.mu.Lock()
	providerID := c.providerCallID
	resolved := c.localRecordID != ""
	c.mu.Unlock()
	if resolved || providerID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	ref, err := c.backend.LookupCallByProviderID(ctx, providerID)
	if err != nil {
		c.logger.Debug().Err(err).Str("provider_call_id", providerID).Msg("call record not resolved yet")
		return
	}

	c.mu.Lock()
	if gen == c.gen && !c.closed && c.localRecordID == "" {
		c.localRecordID = ref.ID
		c.publishSnapshotLocked()
	}
	c.mu.Unlock()
}

// cancelRecord asks the backend to cancel a never-connected call record
func (c *Coordinator) cancelRecord(recordID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if err := c.backend.CancelCall(ctx, recordID, reason); err != nil {
		c.logger.Warn().Err(err).Str("record_id", recordID).Msg("failed to cancel call record")
	}
}

// journalLocked writes the finished call cycle to the local activity
// journal. Best-effort: failures are logged and never surface.
func (c *Coordinator) journalLocked(disposition types.Disposition) {
	if c.journal == nil || c.direction == types.DirectionNone {
		return
	}
	record := types.CallRecord{
		AgentID:         c.agentID,
		StartedAt:       c.startedAt.UTC().Format(time.RFC3339),
		CallID:          newJournalID(),
		Direction:       string(c.direction),
		PhoneNumber:     c.callerNumber,
		DisplayName:     c.callerName,
		LeadID:          c.leadID,
		Disposition:     disposition,
		DurationSeconds: c.durationSecs,
		ProviderCallID:  c.providerCallID,
		CRMRecordID:     c.localRecordID,
		EndedAt:         c.clock.Now().UTC().Format(time.RFC3339),
	}
	if disposition == types.DispositionConnected {
		record.DurationSeconds = int(c.clock.Now().Sub(c.acceptedAt) / time.Second)
	}
	go func() {
		if err := c.journal.SaveCallRecord(record); err != nil {
			c.logger.Error().Err(err).Str("call_id", record.CallID).Msg("failed to journal call record")
		}
	}()
}

func (c *Coordinator) publishSnapshotLocked() {
	snap := c.snapshotLocked()
	c.publish(c.agentID, types.Frame{
		Type:      types.FrameTypeSession,
		AgentID:   c.agentID,
		Session:   &snap,
		Timestamp: snap.Timestamp,
	})
}

func (c *Coordinator) noticeLocked(level types.NoticeLevel, code, message string) {
	c.publish(c.agentID, types.Frame{
		Type:      types.FrameTypeNotice,
		AgentID:   c.agentID,
		Notice:    &types.Notice{Level: level, Code: code, Message: message},
		Timestamp: c.clock.Now(),
	})
}

func rejectQuietly(leg telephony.CallLeg) {
	_ = leg.Reject()
}
