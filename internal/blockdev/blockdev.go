// Package blockdev models the polymorphic block-device capability set: a
// small surface — open, close, size_bytes, block_size_bytes, read_at,
// write_at, optional freeze/thaw/in_use_sectors — with variants
// distinguished at construction time rather than through deep
// inheritance.
//
// Three variants implement Device: a local file or loop device (file.go), a
// local physical block device reached through BLKGETSIZE64/BLKSSZGET
// ioctls (physical_linux.go), and a device reached over TCP for remote
// destinations (remote.go).
package blockdev

import (
	"errors"
	"io"
	"strconv"
)

// DeviceID is the stable device identity: major:minor, or in the remote
// case an operator-assigned identifier that stands in for it.
type DeviceID struct {
	Major uint32
	Minor uint32
}

// String renders the identity in the conventional major:minor form.
func (d DeviceID) String() string {
	return strconv.FormatUint(uint64(d.Major), 10) + ":" + strconv.FormatUint(uint64(d.Minor), 10)
}

// ErrNotOpen is returned by ReadAt/WriteAt (and, on the physical and
// remote variants, by the size queries) on a Device that is not open.
// Close on such a Device is a no-op that returns nil.
var ErrNotOpen = errors.New("blockdev: device not open")

// ErrAlreadyOpen is returned by Open on a Device that is already open.
var ErrAlreadyOpen = errors.New("blockdev: device already open")

// ErrFreezeUnsupported is returned by Freeze/Thaw on devices that do not
// carry a mounted filesystem (e.g. the remote destination).
var ErrFreezeUnsupported = errors.New("blockdev: freeze/thaw not supported on this device")

// Device is the capability set the synchronizer and tracer binding need
// from a block device, whether it is local, physical, or remote.
type Device interface {
	io.Closer

	// ID returns the device's stable identity.
	ID() DeviceID

	// Open acquires the underlying file descriptor/connection. It is an
	// error to call Open twice without an intervening Close.
	Open() error

	// SizeBytes returns the device's total addressable size.
	SizeBytes() (uint64, error)

	// BlockSizeBytes returns the device's preferred I/O unit, read from the
	// device itself; typical value 4096.
	BlockSizeBytes() (uint32, error)

	// ReadAt and WriteAt are positional; concurrent callers on the same
	// Device are not supported. File descriptors are exclusively owned by
	// the synchronizer thread that opened them.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Freezable is implemented by devices that carry a mountable filesystem and
// so can participate in the final phase's freeze/flush/drain/thaw sequence.
type Freezable interface {
	Freeze() error
	Thaw() error
}

// InUseSectorSource is implemented by devices that can report which
// sectors are live filesystem data, for is_full seeding. The
// concrete ext4/xfs walker is left as a documented extension point; see
// internal/fsinfo.
type InUseSectorSource interface {
	InUseSectorIntervals() ([]SectorInterval, error)
}

// SectorInterval mirrors sectorstore.Interval without importing it, so
// blockdev stays free of a dependency on the synchronization core; callers
// convert at the boundary.
type SectorInterval struct {
	Lower uint64
	Upper uint64
}
