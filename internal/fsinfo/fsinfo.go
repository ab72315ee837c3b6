// Package fsinfo defines the extension point for reporting which sectors
// of a source device hold live filesystem data. A full backup seeds its
// Store from this, so a filesystem-aware provider keeps free space from
// being copied.
//
// No ext4/xfs walker ships here: filesystem-specific extent walking is
// left as a documented extension point. WholeDeviceProvider is the only
// concrete implementation, used whenever a source device has no more
// specific InUseSectorProvider registered for it.
package fsinfo

import "github.com/anash28/linux-agent/internal/blockdev"

// InUseSectorProvider reports the live-data sector intervals of one
// source device. Implementations are filesystem-specific; a daemon wires
// one in per mounted filesystem type it wants to seed precisely.
type InUseSectorProvider interface {
	InUseSectorIntervals(device blockdev.Device) ([]blockdev.SectorInterval, error)
}

// WholeDeviceProvider reports the entire device as in-use. It is the
// fallback for any source with no filesystem-aware provider registered,
// and is correct (if wasteful) for any filesystem type.
type WholeDeviceProvider struct{}

// InUseSectorIntervals implements InUseSectorProvider.
func (WholeDeviceProvider) InUseSectorIntervals(device blockdev.Device) ([]blockdev.SectorInterval, error) {
	size, err := device.SizeBytes()
	if err != nil {
		return nil, err
	}
	return []blockdev.SectorInterval{{Lower: 0, Upper: size / sectorSizeBytes}}, nil
}

// sectorSizeBytes mirrors sectorstore.SectorSize without importing that
// package, keeping fsinfo's dependency surface limited to blockdev.
const sectorSizeBytes = 512

// Registry dispatches to a per-filesystem-type InUseSectorProvider,
// falling back to WholeDeviceProvider when none is registered for a
// device's filesystem type.
type Registry struct {
	byFSType map[string]InUseSectorProvider
	fallback InUseSectorProvider
}

// NewRegistry returns a Registry that falls back to WholeDeviceProvider.
func NewRegistry() *Registry {
	return &Registry{
		byFSType: make(map[string]InUseSectorProvider),
		fallback: WholeDeviceProvider{},
	}
}

// Register binds fsType (e.g. "ext4", "xfs") to provider.
func (r *Registry) Register(fsType string, provider InUseSectorProvider) {
	r.byFSType[fsType] = provider
}

// ProviderFor returns the registered provider for fsType, or the
// fallback if none was registered.
func (r *Registry) ProviderFor(fsType string) InUseSectorProvider {
	if p, ok := r.byFSType[fsType]; ok {
		return p
	}
	return r.fallback
}

// AwareDevice wraps a blockdev.Device with a Registry lookup keyed by
// fsType, so the wrapped device satisfies blockdev.InUseSectorSource and
// internal/api's full-backup seeding picks it up automatically instead of
// falling back to the whole-device interval it uses for any device that
// doesn't implement the interface at all.
type AwareDevice struct {
	blockdev.Device
	registry *Registry
	fsType   string
}

// NewAwareDevice wraps device so InUseSectorIntervals dispatches through
// registry by fsType (e.g. determined from /proc/mounts at construction
// time by the daemon's bootstrap wiring).
func NewAwareDevice(device blockdev.Device, registry *Registry, fsType string) *AwareDevice {
	return &AwareDevice{Device: device, registry: registry, fsType: fsType}
}

// InUseSectorIntervals implements blockdev.InUseSectorSource.
func (d *AwareDevice) InUseSectorIntervals() ([]blockdev.SectorInterval, error) {
	return d.registry.ProviderFor(d.fsType).InUseSectorIntervals(d.Device)
}

// Freeze implements blockdev.Freezable by delegating to the wrapped
// device when it is itself freezable. Embedding blockdev.Device as an
// interface does not promote Freeze/Thaw on its own, since those are
// declared on the separate Freezable interface, so AwareDevice must
// forward them explicitly.
func (d *AwareDevice) Freeze() error {
	f, ok := d.Device.(blockdev.Freezable)
	if !ok {
		return blockdev.ErrFreezeUnsupported
	}
	return f.Freeze()
}

// Thaw implements blockdev.Freezable; see Freeze.
func (d *AwareDevice) Thaw() error {
	f, ok := d.Device.(blockdev.Freezable)
	if !ok {
		return blockdev.ErrFreezeUnsupported
	}
	return f.Thaw()
}
