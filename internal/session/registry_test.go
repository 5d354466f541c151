package session

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/telephony"
)

func newTestRegistry() (*Registry, *fakeBackend, *sync.Map) {
	backend := newFakeBackend()
	devices := &sync.Map{}
	factory := func(_ string, events telephony.DeviceEvents) (telephony.Device, error) {
		d := &fakeDevice{events: events}
		devices.Store(d, struct{}{})
		return d, nil
	}
	r := NewRegistry(Deps{
		Backend: backend,
		Factory: factory,
		Journal: &fakeJournal{},
		Publish: (&frameRecorder{}).publish,
		Clock:   clock.NewMock(),
		Logger:  zerolog.Nop(),
	})
	return r, backend, devices
}

func TestAcquireIsIdempotent(t *testing.T) {
	r, backend, _ := newTestRegistry()
	ctx := context.Background()

	first := r.Acquire(ctx, "agent-1")
	second := r.Acquire(ctx, "agent-1")
	if first != second {
		t.Fatal("repeated Acquire must reuse the live session")
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	// Only one token fetch and one device registration happened
	backend.mu.Lock()
	fetches := backend.tokenFetches
	backend.mu.Unlock()
	if fetches != 1 {
		t.Fatalf("token fetches = %d, want 1", fetches)
	}
}

func TestAcquireSeparatesAgents(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	a := r.Acquire(ctx, "agent-1")
	b := r.Acquire(ctx, "agent-2")
	if a == b {
		t.Fatal("different agents must get different coordinators")
	}
	if got := r.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	if _, ok := r.Get("agent-1"); !ok {
		t.Fatal("Get should find the live session")
	}
	if _, ok := r.Get("agent-9"); ok {
		t.Fatal("Get should not invent sessions")
	}
}

func TestReleaseTearsDownTheSession(t *testing.T) {
	r, backend, devices := newTestRegistry()
	ctx := context.Background()

	r.Acquire(ctx, "agent-1")
	if !r.Release(ctx, "agent-1") {
		t.Fatal("release of a live session should report true")
	}
	if _, ok := r.Get("agent-1"); ok {
		t.Fatal("released session still registered")
	}
	if r.Release(ctx, "agent-1") {
		t.Fatal("double release should report false")
	}

	devices.Range(func(key, _ any) bool {
		d := key.(*fakeDevice)
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.destroyed {
			t.Error("device not destroyed on release")
		}
		return true
	})

	backend.mu.Lock()
	statuses := append([]bool(nil), backend.statusCalls...)
	backend.mu.Unlock()
	if len(statuses) == 0 || statuses[len(statuses)-1] != false {
		t.Fatalf("agent status calls = %v, want a final offline update", statuses)
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	r, _, devices := newTestRegistry()
	ctx := context.Background()

	r.Acquire(ctx, "agent-1")
	r.Acquire(ctx, "agent-2")
	r.Shutdown(ctx)

	if got := r.Count(); got != 0 {
		t.Fatalf("count after shutdown = %d, want 0", got)
	}
	devices.Range(func(key, _ any) bool {
		d := key.(*fakeDevice)
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.destroyed {
			t.Error("device survived shutdown")
		}
		return true
	})
}
