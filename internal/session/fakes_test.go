package session

import (
	"context"
	"sync"
	"time"

	"github.com/rbeltran/dialdesk/internal/crm"
	"github.com/rbeltran/dialdesk/internal/telephony"
	"github.com/rbeltran/dialdesk/internal/types"
)

type completion struct {
	recordID string
	outcome  crm.CallOutcome
}

type cancellation struct {
	recordID string
	reason   string
}

type fakeBackend struct {
	mu sync.Mutex

	token    crm.VoiceToken
	tokenErr error

	// tokenGate, when set, blocks FetchVoiceToken until the gate closes
	tokenGate chan struct{}

	initiateRef crm.CallRecordRef
	initiateErr error

	// initiateGate, when set, blocks InitiateCall until the gate closes
	initiateGate chan struct{}

	lookupRef crm.CallRecordRef
	lookupErr error

	completeErr error

	tokenFetches int
	initiations  []crm.InitiateCallRequest
	lookups      []string
	completions  []completion
	cancels      []cancellation
	statusCalls  []bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		token:       crm.VoiceToken{Token: "tok-1", TTLSeconds: 3600},
		initiateRef: crm.CallRecordRef{ID: "rec-100"},
	}
}

func (b *fakeBackend) FetchVoiceToken(_ context.Context, _ string) (crm.VoiceToken, error) {
	b.mu.Lock()
	b.tokenFetches++
	gate := b.tokenGate
	token, err := b.token, b.tokenErr
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return crm.VoiceToken{}, err
	}
	return token, nil
}

func (b *fakeBackend) InitiateCall(_ context.Context, req crm.InitiateCallRequest) (crm.CallRecordRef, error) {
	b.mu.Lock()
	b.initiations = append(b.initiations, req)
	gate := b.initiateGate
	ref, err := b.initiateRef, b.initiateErr
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return crm.CallRecordRef{}, err
	}
	return ref, nil
}

func (b *fakeBackend) LookupCallByProviderID(_ context.Context, providerCallID string) (crm.CallRecordRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups = append(b.lookups, providerCallID)
	if b.lookupErr != nil {
		return crm.CallRecordRef{}, b.lookupErr
	}
	return b.lookupRef, nil
}

func (b *fakeBackend) CompleteCall(_ context.Context, recordID string, outcome crm.CallOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completeErr != nil {
		return b.completeErr
	}
	b.completions = append(b.completions, completion{recordID: recordID, outcome: outcome})
	return nil
}

func (b *fakeBackend) CancelCall(_ context.Context, recordID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, cancellation{recordID: recordID, reason: reason})
	return nil
}

func (b *fakeBackend) SetAgentStatus(_ context.Context, _ string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls = append(b.statusCalls, online)
	return nil
}

func (b *fakeBackend) completionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.completions)
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancels)
}

type fakeDevice struct {
	mu sync.Mutex

	events       telephony.DeviceEvents
	registerErrs []error
	updateErr    error

	registerCalls int
	tokenUpdates  []string
	registered    bool
	destroyed     bool
}

func (d *fakeDevice) Register(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerCalls++
	if len(d.registerErrs) > 0 {
		err := d.registerErrs[0]
		d.registerErrs = d.registerErrs[1:]
		return err
	}
	d.registered = true
	return nil
}

func (d *fakeDevice) IsRegistered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

func (d *fakeDevice) UpdateToken(token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokenUpdates = append(d.tokenUpdates, token)
	return d.updateErr
}

func (d *fakeDevice) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = false
	d.destroyed = true
}

func (d *fakeDevice) registerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerCalls
}

// ring delivers a call leg the way the provider adapter would
func (d *fakeDevice) ring(leg *fakeLeg) {
	d.mu.Lock()
	handler := d.events.OnIncoming
	d.mu.Unlock()
	handler(leg)
}

func (d *fakeDevice) dropRegistration() {
	d.mu.Lock()
	d.registered = false
	handler := d.events.OnUnregistered
	d.mu.Unlock()
	handler()
}

// silentDrop loses the signaling connection without firing the
// unregistered event, like a backgrounded browser tab
func (d *fakeDevice) silentDrop() {
	d.mu.Lock()
	d.registered = false
	d.mu.Unlock()
}

func (d *fakeDevice) expireToken() {
	d.mu.Lock()
	handler := d.events.OnTokenWillExpire
	d.mu.Unlock()
	handler()
}

type fakeLeg struct {
	mu sync.Mutex

	events   telephony.CallLegEvents
	callerID string
	params   map[string]string

	accepted     bool
	rejected     bool
	disconnected bool
	muteCalls    []bool
	digits       []string
}

func (l *fakeLeg) Accept() error {
	l.mu.Lock()
	l.accepted = true
	handler := l.events.OnAccept
	l.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (l *fakeLeg) Reject() error {
	l.mu.Lock()
	l.rejected = true
	handler := l.events.OnReject
	l.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (l *fakeLeg) Disconnect() error {
	l.mu.Lock()
	l.disconnected = true
	handler := l.events.OnDisconnect
	l.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (l *fakeLeg) Mute(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muteCalls = append(l.muteCalls, muted)
	return nil
}

func (l *fakeLeg) SendDigits(digits string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.digits = append(l.digits, digits)
	return nil
}

func (l *fakeLeg) CallerID() string { return l.callerID }

func (l *fakeLeg) Parameters() map[string]string { return l.params }

func (l *fakeLeg) Subscribe(events telephony.CallLegEvents) {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
}

func (l *fakeLeg) wasRejected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

// fireCancel simulates the far end hanging up before the call was answered
func (l *fakeLeg) fireCancel() {
	l.mu.Lock()
	handler := l.events.OnCancel
	l.mu.Unlock()
	if handler != nil {
		handler()
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	records []types.CallRecord
	err     error
}

func (j *fakeJournal) SaveCallRecord(record types.CallRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.records = append(j.records, record)
	return nil
}

func (j *fakeJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// frameRecorder captures everything the coordinator publishes
type frameRecorder struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (r *frameRecorder) publish(_ string, frame types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) notices() []types.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Notice
	for _, f := range r.frames {
		if f.Type == types.FrameTypeNotice && f.Notice != nil {
			out = append(out, *f.Notice)
		}
	}
	return out
}

func (r *frameRecorder) hasNotice(code string) bool {
	for _, n := range r.notices() {
		if n.Code == code {
			return true
		}
	}
	return false
}

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
