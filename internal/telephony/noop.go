package telephony

import (
	"context"
	"sync"
)

// NoopDevice is a stand-in device used when no provider client is
// configured (TELEPHONY_MODE=none). It registers successfully and never
// delivers calls, which keeps the rest of the service runnable in local
// development.
type NoopDevice struct {
	mu         sync.Mutex
	events     DeviceEvents
	registered bool
}

// NoopFactory is a DeviceFactory producing NoopDevices
func NoopFactory(_ string, events DeviceEvents) (Device, error) {
	return &NoopDevice{events: events}, nil
}

func (d *NoopDevice) Register(_ context.Context) error {
	d.mu.Lock()
	d.registered = true
	d.mu.Unlock()
	if d.events.OnRegistered != nil {
		d.events.OnRegistered()
	}
	return nil
}

func (d *NoopDevice) UpdateToken(_ string) error { return nil }

func (d *NoopDevice) IsRegistered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

func (d *NoopDevice) Destroy() {
	d.mu.Lock()
	d.registered = false
	d.mu.Unlock()
}
