// Package telephony defines the boundary with the external provider client.
// The real SDK lives outside this repository; the session coordinator only
// depends on the capability set below, so tests and local development can
// substitute fakes.
package telephony

import "context"

// Device is one authenticated connection to the provider's signaling
// service. A device is owned exclusively by a session coordinator.
type Device interface {
	// Register requests registration with the signaling service using the
	// token the device was constructed with.
	Register(ctx context.Context) error

	// UpdateToken applies a refreshed signaling token to the live device
	// without tearing it down.
	UpdateToken(token string) error

	// IsRegistered reports the adapter's live connection state. The
	// signaling connection can drop without an unregistered event firing
	// (a backgrounded consumer), so session status tracked from events
	// alone can be stale.
	IsRegistered() bool

	// Destroy tears the device down. Safe to call more than once.
	Destroy()
}

// CallLeg is one active call instance as delivered by the provider. It is
// distinct from the CRM's persisted call record.
type CallLeg interface {
	Accept() error
	Reject() error
	Disconnect() error
	Mute(muted bool) error
	SendDigits(digits string) error

	// CallerID is the provider-reported far-end number. For an outbound
	// call ringing back to the agent this reflects the far end, so it must
	// never be used to decide whether the leg is the agent's own call.
	CallerID() string

	// Parameters exposes the provider's raw event parameters. The call
	// identifier field name varies by provider version; use
	// ProviderCallID to extract it.
	Parameters() map[string]string

	// Subscribe attaches lifecycle handlers for this leg. Must be called
	// before Accept.
	Subscribe(events CallLegEvents)
}

// DeviceEvents are the lifecycle callbacks a device fires. All callbacks
// are invoked from the provider client's own dispatch context; handlers
// must do their own locking.
type DeviceEvents struct {
	OnRegistered      func()
	OnUnregistered    func()
	OnTokenWillExpire func()
	OnIncoming        func(leg CallLeg)
	OnError           func(err error)
}

// CallLegEvents are the lifecycle callbacks a call leg fires
type CallLegEvents struct {
	OnAccept     func()
	OnDisconnect func()
	OnReject     func()
	OnCancel     func()
	OnError      func(err error)
}

// DeviceFactory constructs a device from a signaling token, binding the
// given event handlers. Injected into the session coordinator so the
// provider SDK binding stays outside the core.
type DeviceFactory func(token string, events DeviceEvents) (Device, error)
