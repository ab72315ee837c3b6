package blockdev

import (
	"fmt"
	"os"
	"sync"
)

// FileDevice is a Device backed by a regular file, a loop device, or
// anything else reachable through the ordinary os.File positional I/O
// calls. It is the variant used by tests (see internal/blockdev's test
// suite and the synchronizer's end-to-end scenarios), and by any source
// or destination that is a loop-mounted image rather than raw hardware.
type FileDevice struct {
	path         string
	id           DeviceID
	blockSize    uint32
	mu           sync.Mutex
	file         *os.File
	sizeOverride uint64 // 0 means "stat the file"
}

// NewFileDevice returns a FileDevice for path. blockSize is the value
// BlockSizeBytes will report; it must be a positive multiple of
// sectorstore.SectorSize (512).
func NewFileDevice(id DeviceID, path string, blockSize uint32) *FileDevice {
	return &FileDevice{path: path, id: id, blockSize: blockSize}
}

// ID implements Device.
func (f *FileDevice) ID() DeviceID { return f.id }

// SetSizeOverride reports size instead of the file's actual length from
// SizeBytes. It exists so tests can exercise the synchronizer's
// size-mismatch precondition without allocating
// correspondingly large fixture files.
func (f *FileDevice) SetSizeOverride(size uint64) {
	f.sizeOverride = size
}

// Open implements Device.
func (f *FileDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		return ErrAlreadyOpen
	}
	file, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("blockdev: open %s: %w", f.path, err)
	}
	f.file = file
	return nil
}

// Close implements Device.
func (f *FileDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// SizeBytes implements Device.
func (f *FileDevice) SizeBytes() (uint64, error) {
	if f.sizeOverride != 0 {
		return f.sizeOverride, nil
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("blockdev: stat %s: %w", f.path, err)
	}
	return uint64(info.Size()), nil
}

// BlockSizeBytes implements Device.
func (f *FileDevice) BlockSizeBytes() (uint32, error) {
	return f.blockSize, nil
}

// ReadAt implements Device.
func (f *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return 0, ErrNotOpen
	}
	return file.ReadAt(p, off)
}

// WriteAt implements Device.
func (f *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return 0, ErrNotOpen
	}
	return file.WriteAt(p, off)
}
