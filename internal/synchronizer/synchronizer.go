// Package synchronizer implements the Device Synchronizer:
// the per-device worker that copies every dirty sector of one source to
// one destination, tolerating concurrent writes to the source, until
// either the source quiesces, the workload is declared non-convergent, or
// cancellation is requested.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/convergence"
	"github.com/anash28/linux-agent/internal/devreg"
	"github.com/anash28/linux-agent/internal/history"
	"github.com/anash28/linux-agent/internal/sectorstore"
)

// sectorSize is the fixed 512-byte addressing unit.
const sectorSize = sectorstore.SectorSize

// ErrNonConvergent is returned when the dirty rate outpaces the copy rate
// for the duration of the history window.
var ErrNonConvergent = errors.New("synchronizer: workload did not converge")

// ErrAlreadySynced is the construction-time precondition failure for a
// source whose Store is already empty.
var ErrAlreadySynced = errors.New("synchronizer: source device has no unsynced sectors")

// ErrSameDevice is the construction-time precondition failure for source
// and destination sharing a device identity.
var ErrSameDevice = errors.New("synchronizer: refusing to synchronize a device with itself")

// ErrSizeMismatch is the construction-time precondition failure for source
// and destination of different sizes.
var ErrSizeMismatch = errors.New("synchronizer: source and destination have different sizes")

// Coordinator is the subset of the Backup Coordinator contract a
// Synchronizer needs.
type Coordinator interface {
	SignalMoreWorkToDo() bool
	SignalFinished()
	IsCancelled() bool
}

// ProgressSink receives best-effort progress observations. Dropping an
// update must never affect correctness.
type ProgressSink interface {
	UpdateSynced(n uint64)
	UpdateUnsynced(n uint64)
}

// NoopProgressSink discards all updates.
type NoopProgressSink struct{}

// UpdateSynced implements ProgressSink.
func (NoopProgressSink) UpdateSynced(uint64) {}

// UpdateUnsynced implements ProgressSink.
func (NoopProgressSink) UpdateUnsynced(uint64) {}

// Clock abstracts wall-clock time so tests can drive the one-second
// history-sampling cadence without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures one Synchronizer.
type Config struct {
	Source      blockdev.Device
	Destination blockdev.Device
	Store       *sectorstore.Store
	Registry    *devreg.Registry // used to flush the tracer in the final phase

	// Policy decides non-convergence; defaults to convergence.EndpointsPolicy.
	Policy convergence.Policy
	// HistoryDepth bounds the sample ring; defaults to history.DefaultDepth.
	HistoryDepth int
	// Clock defaults to the real wall clock; tests may override it.
	Clock Clock

	Logger zerolog.Logger
}

// Result is the terminal outcome of one synchronizer run.
type Result struct {
	Succeeded bool
	Err       error
}

// Synchronizer copies dirty sectors from one source device to one
// destination device. Construct with New, then call Run from a dedicated
// goroutine; Run blocks until the job is done.
type Synchronizer struct {
	source       blockdev.Device
	destination  blockdev.Device
	store        *sectorstore.Store
	registry     *devreg.Registry
	policy       convergence.Policy
	historyDepth int
	clock        Clock
	logger       zerolog.Logger

	shouldStop int32 // atomic bool
	succeeded  int32 // atomic bool
	done       int32 // atomic bool
}

// New validates the construction-time preconditions and returns a
// ready-to-run Synchronizer, or a fatal precondition error.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Source.ID() == cfg.Destination.ID() {
		return nil, ErrSameDevice
	}

	srcSize, err := cfg.Source.SizeBytes()
	if err != nil {
		return nil, fmt.Errorf("synchronizer: source size: %w", err)
	}
	dstSize, err := cfg.Destination.SizeBytes()
	if err != nil {
		return nil, fmt.Errorf("synchronizer: destination size: %w", err)
	}
	if srcSize != dstSize {
		return nil, ErrSizeMismatch
	}

	if cfg.Store.UnsyncedSectorCount() == 0 {
		return nil, ErrAlreadySynced
	}

	policy := cfg.Policy
	if policy == nil {
		policy = convergence.EndpointsPolicy{}
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = history.DefaultDepth
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Synchronizer{
		source:       cfg.Source,
		destination:  cfg.Destination,
		store:        cfg.Store,
		registry:     cfg.Registry,
		policy:       policy,
		historyDepth: depth,
		clock:        clock,
		logger:       cfg.Logger.With().Str("component", "synchronizer").Str("device", cfg.Source.ID().String()).Logger(),
	}, nil
}

// RequestStop sets should_stop; the loop observes it at iteration
// boundaries, never mid-block-copy.
func (s *Synchronizer) RequestStop() {
	atomic.StoreInt32(&s.shouldStop, 1)
}

func (s *Synchronizer) stopRequested() bool {
	return atomic.LoadInt32(&s.shouldStop) != 0
}

// Succeeded reports whether the Store became empty while the source was
// frozen and no fatal error occurred. Valid only once Done is true.
func (s *Synchronizer) Succeeded() bool {
	return atomic.LoadInt32(&s.succeeded) != 0
}

// Done reports whether the run loop has exited.
func (s *Synchronizer) Done() bool {
	return atomic.LoadInt32(&s.done) != 0
}

// Run executes the sync loop to completion: open devices, bulk-copy,
// final-phase freeze/flush/drain, and always close devices and mark Done
// on exit. coordinator is consulted for cancellation and the "more work
// to do" handshake; sink receives best-effort progress updates.
func (s *Synchronizer) Run(ctx context.Context, coordinator Coordinator, sink ProgressSink) Result {
	if sink == nil {
		sink = NoopProgressSink{}
	}

	defer func() {
		_ = s.source.Close()
		_ = s.destination.Close()
		atomic.StoreInt32(&s.done, 1)
		coordinator.SignalFinished()
	}()

	if err := s.source.Open(); err != nil {
		return Result{Err: fmt.Errorf("synchronizer: open source: %w", err)}
	}
	if err := s.destination.Open(); err != nil {
		return Result{Err: fmt.Errorf("synchronizer: open destination: %w", err)}
	}

	blockSize, err := s.source.BlockSizeBytes()
	if err != nil {
		return Result{Err: fmt.Errorf("synchronizer: block size: %w", err)}
	}
	sectorsPerBlock := uint64(blockSize) / sectorSize
	if sectorsPerBlock == 0 || uint64(blockSize)%sectorSize != 0 {
		return Result{Err: fmt.Errorf("synchronizer: block size %d is not an integral multiple of sector size %d", blockSize, sectorSize)}
	}

	buf := make([]byte, blockSize)
	hist := history.NewRing(s.historyDepth)

	for {
		if err := s.runBulkPhase(ctx, buf, sectorsPerBlock, hist, sink); err != nil {
			return s.finish(false, err)
		}
		if s.stopRequested() {
			return s.finish(false, nil)
		}
		if coordinator.IsCancelled() {
			return s.finish(false, nil)
		}

		settled, err := s.runFinalPhase(ctx, buf, sectorsPerBlock, hist, sink)
		if err != nil {
			return s.finish(false, err)
		}
		if settled {
			return s.finish(true, nil)
		}

		// New dirty intervals appeared after flush; go back around the
		// bulk phase. The convergence detector eventually gives up if
		// this never settles.
		if !coordinator.SignalMoreWorkToDo() {
			return s.finish(false, nil)
		}
	}
}

func (s *Synchronizer) finish(succeeded bool, err error) Result {
	if succeeded {
		atomic.StoreInt32(&s.succeeded, 1)
	}
	return Result{Succeeded: succeeded, Err: err}
}

// runBulkPhase drains the Store one continuous interval at a time until it
// is empty, sampling history once per second and bailing out on
// cancellation, stop request, or non-convergence.
func (s *Synchronizer) runBulkPhase(ctx context.Context, buf []byte, sectorsPerBlock uint64, hist *history.Ring, sink ProgressSink) error {
	lastSample := s.clock.Now()

	for {
		if s.stopRequested() {
			return nil
		}

		iv := s.store.GetContinuousUnsynced()
		if iv.Empty() {
			return nil
		}

		if err := s.copyInterval(ctx, iv, buf, sectorsPerBlock, hist, &lastSample, sink); err != nil {
			return err
		}

		if hist.Full() && s.policy.NonConvergent(hist) {
			return ErrNonConvergent
		}
	}
}

// runFinalPhase freezes the source, flushes the tracer, drains whatever
// is left with the same bulk-copy logic, then thaws unconditionally. It
// reports settled=true only if the Store was empty at the moment
// flush+drain completed.
func (s *Synchronizer) runFinalPhase(ctx context.Context, buf []byte, sectorsPerBlock uint64, hist *history.Ring, sink ProgressSink) (settled bool, err error) {
	freezer, canFreeze := s.source.(blockdev.Freezable)
	if canFreeze {
		if ferr := freezer.Freeze(); ferr != nil {
			return false, fmt.Errorf("synchronizer: freeze source: %w", ferr)
		}
		defer func() {
			// Thaw is always attempted on every exit path.
			if terr := freezer.Thaw(); terr != nil && err == nil {
				err = fmt.Errorf("synchronizer: thaw source: %w", terr)
			}
		}()
	}

	if s.registry != nil {
		if ferr := s.registry.FlushTracer(ctx, s.source.ID()); ferr != nil {
			return false, fmt.Errorf("synchronizer: flush tracer: %w", ferr)
		}
	}

	lastSample := s.clock.Now()
	for {
		iv := s.store.GetContinuousUnsynced()
		if iv.Empty() {
			return true, nil
		}
		if cerr := s.copyInterval(ctx, iv, buf, sectorsPerBlock, hist, &lastSample, sink); cerr != nil {
			return false, cerr
		}
	}
}

// copyInterval copies one continuous dirty interval block by block,
// removing each block's sectors from the Store as soon as it lands, so a
// crash loses at most one block of progress.
func (s *Synchronizer) copyInterval(ctx context.Context, iv sectorstore.Interval, buf []byte, sectorsPerBlock uint64, hist *history.Ring, lastSample *time.Time, sink ProgressSink) error {
	offset := int64(iv.Lower * sectorSize)
	remaining := iv.Cardinality()

	for remaining > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, eof, err := copyBlock(s.source, s.destination, buf, offset)
		if err != nil {
			return err
		}
		if eof {
			// EOF is legal only exactly at the device end, where it
			// terminates the interval; anywhere else it is fatal.
			size, serr := s.source.SizeBytes()
			if serr != nil {
				return fmt.Errorf("synchronizer: source size: %w", serr)
			}
			if uint64(offset) != size {
				return fmt.Errorf("synchronizer: unexpected EOF at byte %d of %d-byte source", offset, size)
			}
			s.store.RemoveInterval(sectorstore.Interval{Lower: offset2sector(offset), Upper: offset2sector(offset) + remaining})
			return nil
		}

		copiedSectors := uint64(n) / sectorSize
		if copiedSectors == 0 {
			copiedSectors = sectorsPerBlock
		}
		if copiedSectors > remaining {
			copiedSectors = remaining
		}

		s.store.RemoveInterval(sectorstore.Interval{
			Lower: offset2sector(offset),
			Upper: offset2sector(offset) + copiedSectors,
		})

		offset += int64(copiedSectors * sectorSize)
		remaining -= copiedSectors

		sink.UpdateSynced(copiedSectors)
		sink.UpdateUnsynced(s.store.UnsyncedSectorCount())

		now := s.clock.Now()
		if now.Sub(*lastSample) >= time.Second {
			hist.Push(s.store.UnsyncedSectorCount())
			*lastSample = now
		}
	}
	return nil
}

func offset2sector(offset int64) uint64 {
	return uint64(offset) / sectorSize
}

// copyBlock reads exactly len(buf) bytes from source at offset (looping on
// short reads) and writes exactly that many bytes to destination at the
// same offset (looping on short writes). eof is true only when the
// source returned io.EOF with zero bytes read in the current attempt,
// i.e. exactly at the device end.
func copyBlock(source, destination blockdev.Device, buf []byte, offset int64) (n int, eof bool, err error) {
	total := 0
	for total < len(buf) {
		r, rerr := source.ReadAt(buf[total:], offset+int64(total))
		if rerr != nil {
			if rerr == io.EOF {
				if total == 0 {
					return 0, true, nil
				}
				break // short final block read at device end
			}
			if isEINTR(rerr) {
				continue
			}
			return 0, false, fmt.Errorf("synchronizer: read source: %w", rerr)
		}
		if r == 0 {
			break
		}
		total += r
	}

	written := 0
	for written < total {
		w, werr := destination.WriteAt(buf[written:total], offset+int64(written))
		if werr != nil {
			if isEINTR(werr) {
				continue
			}
			return 0, false, fmt.Errorf("synchronizer: write destination: %w", werr)
		}
		if w == 0 {
			break
		}
		written += w
	}

	return total, false, nil
}
