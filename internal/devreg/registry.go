// Package devreg implements the unsynced sector manager: the per-process
// registry of source-device state. For any device, at most one Store and
// at most one active Tracer exist at any time, and creating a Store for
// an already-registered device returns the existing one.
package devreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/sectorstore"
)

// Tracer is the kernel change-tracking adapter contract; internal/tracebus
// provides the NATS-backed and in-process implementations.
type Tracer interface {
	Start(ctx context.Context, device blockdev.DeviceID, store *sectorstore.Store) error
	Flush(ctx context.Context, device blockdev.DeviceID) error
	Stop(ctx context.Context, device blockdev.DeviceID) error
}

// entry is one source device's registered state: exactly one Store and at
// most one active Tracer.
type entry struct {
	store   *sectorstore.Store
	tracing bool
}

// Registry is the Unsynced Sector Manager: a scoped, long-lived-daemon-
// owned registry, not a process-wide singleton — it is explicitly
// constructed and torn down with the daemon's lifetime by cmd/agentd,
// never accessed through a package-level variable.
type Registry struct {
	mu        sync.Mutex
	entries   map[blockdev.DeviceID]*entry
	tracer    Tracer
	persister sectorstore.Persister
}

// New returns an empty Registry bound to one Tracer implementation shared
// across all devices it tracks, and an optional Persister used to
// construct each device's Store (see sectorstore.Store.AddNonvolatileInterval).
func New(tracer Tracer, persister sectorstore.Persister) *Registry {
	return &Registry{
		entries:   make(map[blockdev.DeviceID]*entry),
		tracer:    tracer,
		persister: persister,
	}
}

// GetStore returns the Store for device, creating it (empty, not tracing)
// if this is the first time the device has been seen.
func (r *Registry) GetStore(device blockdev.DeviceID) *sectorstore.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(device).store
}

func (r *Registry) getOrCreateLocked(device blockdev.DeviceID) *entry {
	e, ok := r.entries[device]
	if !ok {
		e = &entry{store: sectorstore.New(device.String(), r.persister)}
		r.entries[device] = e
	}
	return e
}

// IsTracing reports whether a Tracer is currently active for device.
func (r *Registry) IsTracing(device blockdev.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[device]
	return ok && e.tracing
}

// StartTracer starts tracing device if it is not already being traced.
// Idempotent. A failed start is fatal to the surrounding backup job; the
// caller decides how to surface that.
func (r *Registry) StartTracer(ctx context.Context, device blockdev.DeviceID) error {
	r.mu.Lock()
	e := r.getOrCreateLocked(device)
	if e.tracing {
		r.mu.Unlock()
		return nil
	}
	store := e.store
	r.mu.Unlock()

	if err := r.tracer.Start(ctx, device, store); err != nil {
		return fmt.Errorf("devreg: start tracer for %s: %w", device, err)
	}

	r.mu.Lock()
	e.tracing = true
	r.mu.Unlock()
	return nil
}

// FlushTracer blocks until all events pending for device have been
// delivered to its Store. It is a no-op if device has no active tracer.
func (r *Registry) FlushTracer(ctx context.Context, device blockdev.DeviceID) error {
	r.mu.Lock()
	e, ok := r.entries[device]
	tracing := ok && e.tracing
	r.mu.Unlock()
	if !tracing {
		return nil
	}
	return r.tracer.Flush(ctx, device)
}

// StopTracer ceases delivery for device. Further writes become untracked.
func (r *Registry) StopTracer(ctx context.Context, device blockdev.DeviceID) error {
	r.mu.Lock()
	e, ok := r.entries[device]
	if !ok || !e.tracing {
		r.mu.Unlock()
		return nil
	}
	e.tracing = false
	r.mu.Unlock()
	return r.tracer.Stop(ctx, device)
}
