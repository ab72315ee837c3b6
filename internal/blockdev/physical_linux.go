//go:build linux

package blockdev

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PhysicalDevice is a Device backed by a raw Linux block device node
// (e.g. /dev/sdb, /dev/dm-0). Size and block size are read from the kernel
// via ioctl rather than trusted from configuration.
type PhysicalDevice struct {
	path string
	id   DeviceID
	mu   sync.Mutex
	file *os.File
}

// NewPhysicalDevice returns a PhysicalDevice for the block special file at
// path.
func NewPhysicalDevice(id DeviceID, path string) *PhysicalDevice {
	return &PhysicalDevice{path: path, id: id}
}

// ID implements Device.
func (p *PhysicalDevice) ID() DeviceID { return p.id }

// Open implements Device.
func (p *PhysicalDevice) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		return ErrAlreadyOpen
	}
	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("blockdev: open %s: %w", p.path, err)
	}
	p.file = f
	return nil
}

// Close implements Device.
func (p *PhysicalDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// SizeBytes implements Device via the BLKGETSIZE64 ioctl.
func (p *PhysicalDevice) SizeBytes() (uint64, error) {
	p.mu.Lock()
	f := p.file
	p.mu.Unlock()
	if f == nil {
		return 0, ErrNotOpen
	}
	size, err := unix.IoctlGetUint64(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("blockdev: BLKGETSIZE64 %s: %w", p.path, err)
	}
	return size, nil
}

// BlockSizeBytes implements Device via the BLKSSZGET ioctl: the logical
// sector size, not BLKBSZGET's filesystem block size.
func (p *PhysicalDevice) BlockSizeBytes() (uint32, error) {
	p.mu.Lock()
	f := p.file
	p.mu.Unlock()
	if f == nil {
		return 0, ErrNotOpen
	}
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("blockdev: BLKSSZGET %s: %w", p.path, err)
	}
	return uint32(sz), nil
}

// ReadAt implements Device.
func (p *PhysicalDevice) ReadAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	f := p.file
	p.mu.Unlock()
	if f == nil {
		return 0, ErrNotOpen
	}
	return f.ReadAt(b, off)
}

// WriteAt implements Device.
func (p *PhysicalDevice) WriteAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	f := p.file
	p.mu.Unlock()
	if f == nil {
		return 0, ErrNotOpen
	}
	return f.WriteAt(b, off)
}

// MountFreezer implements Freezable over a mountpoint directory's
// FIFREEZE/FITHAW ioctls. It is constructed separately from the
// PhysicalDevice it protects, since freeze/thaw targets the mounted
// filesystem's mountpoint, not the block device node.
type MountFreezer struct {
	mountpoint string
}

// NewMountFreezer returns a Freezable for the filesystem mounted at
// mountpoint.
func NewMountFreezer(mountpoint string) *MountFreezer {
	return &MountFreezer{mountpoint: mountpoint}
}

// Freeze implements Freezable.
func (m *MountFreezer) Freeze() error {
	f, err := os.Open(m.mountpoint)
	if err != nil {
		return fmt.Errorf("blockdev: open mountpoint %s: %w", m.mountpoint, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), unix.FIFREEZE, 0); err != nil {
		return fmt.Errorf("blockdev: FIFREEZE %s: %w", m.mountpoint, err)
	}
	return nil
}

// Thaw implements Freezable. The caller, not this type, is responsible
// for making sure Thaw runs on every exit path out of the synchronizer's
// final phase, including errors and cancellation.
func (m *MountFreezer) Thaw() error {
	f, err := os.Open(m.mountpoint)
	if err != nil {
		return fmt.Errorf("blockdev: open mountpoint %s: %w", m.mountpoint, err)
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), unix.FITHAW, 0); err != nil {
		return fmt.Errorf("blockdev: FITHAW %s: %w", m.mountpoint, err)
	}
	return nil
}

// FreezablePhysicalDevice is a PhysicalDevice whose backing filesystem can
// be quiesced around the synchronizer's final phase. It embeds both
// concrete types rather than the Device/Freezable interfaces so that both
// method sets are promoted onto it directly.
type FreezablePhysicalDevice struct {
	*PhysicalDevice
	*MountFreezer
}

// NewFreezablePhysicalDevice returns a Device backed by the block special
// file at devicePath, freezable through the filesystem mounted at
// mountpoint.
func NewFreezablePhysicalDevice(id DeviceID, devicePath, mountpoint string) *FreezablePhysicalDevice {
	return &FreezablePhysicalDevice{
		PhysicalDevice: NewPhysicalDevice(id, devicePath),
		MountFreezer:   NewMountFreezer(mountpoint),
	}
}
