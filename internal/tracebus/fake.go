package tracebus

import (
	"context"
	"fmt"
	"sync"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/sectorstore"
)

// FakeTracer is an in-process devreg.Tracer used by tests in place of
// NatsTracer. Events pushed through Inject are applied synchronously, so
// Flush never has anything to wait for — which is the correct behavior for
// a tracer with no asynchronous delivery path.
type FakeTracer struct {
	mu      sync.Mutex
	stores  map[blockdev.DeviceID]*sectorstore.Store
	active  map[blockdev.DeviceID]bool
	startFn func(blockdev.DeviceID) error
}

// NewFakeTracer returns an empty FakeTracer.
func NewFakeTracer() *FakeTracer {
	return &FakeTracer{
		stores: make(map[blockdev.DeviceID]*sectorstore.Store),
		active: make(map[blockdev.DeviceID]bool),
	}
}

// FailStartFor makes a future Start for device return err, simulating a
// fatal tracer-start failure.
func (f *FakeTracer) FailStartFor(device blockdev.DeviceID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.startFn
	f.startFn = func(d blockdev.DeviceID) error {
		if d == device {
			return err
		}
		if prev != nil {
			return prev(d)
		}
		return nil
	}
}

// Start implements devreg.Tracer.
func (f *FakeTracer) Start(_ context.Context, device blockdev.DeviceID, store *sectorstore.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFn != nil {
		if err := f.startFn(device); err != nil {
			return err
		}
	}
	f.stores[device] = store
	f.active[device] = true
	return nil
}

// Flush implements devreg.Tracer. Injected events are always applied
// synchronously, so there is never anything pending to wait for.
func (f *FakeTracer) Flush(_ context.Context, device blockdev.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[device] {
		return fmt.Errorf("tracebus: flush on untraced device %s", device)
	}
	return nil
}

// Stop implements devreg.Tracer.
func (f *FakeTracer) Stop(_ context.Context, device blockdev.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[device] = false
	return nil
}

// Inject applies iv to device's Store directly, as if the kernel module
// had pushed a change event for it. It is a no-op if the device has no
// active tracer (mirroring "further writes are untracked" after Stop).
func (f *FakeTracer) Inject(device blockdev.DeviceID, iv sectorstore.Interval) {
	f.mu.Lock()
	store, active := f.stores[device], f.active[device]
	f.mu.Unlock()
	if !active || store == nil {
		return
	}
	store.AddInterval(iv)
}
