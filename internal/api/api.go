// Package api implements the in-process IPC request layer: submit_backup,
// job_handle.wait, and job_handle.cancel. SubmitBackup starts a tracer if
// a full backup has none, seeds a full backup's Store from the source
// filesystem's in-use sectors, and rejects a non-full backup with no
// existing baseline.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/devreg"
	"github.com/anash28/linux-agent/internal/job"
	"github.com/anash28/linux-agent/internal/ledger"
	"github.com/anash28/linux-agent/internal/sectorstore"
	"github.com/anash28/linux-agent/internal/synchronizer"
	"github.com/anash28/linux-agent/pkg/models"
)

// ErrNoBaseline is returned by SubmitBackup when a non-full backup is
// requested for a source device with no active tracer: with no tracer
// there is no baseline to synchronize against, so the job is rejected.
var ErrNoBaseline = errors.New("api: no trace data for source device, a full backup is required first")

// DeviceFactory resolves the Vector tuples submit_backup accepts into
// concrete blockdev.Device handles. Production wiring constructs a
// blockdev.PhysicalDevice for the source and a blockdev.RemoteDevice for
// the destination; tests substitute file-backed or in-memory devices.
type DeviceFactory interface {
	OpenSource(id blockdev.DeviceID) (blockdev.Device, error)
	OpenDestination(id blockdev.DeviceID, host string, port uint16) (blockdev.Device, error)
}

// API is the daemon's single entry point for backup requests.
type API struct {
	registry *devreg.Registry
	factory  DeviceFactory
	reporter ledger.Reporter
	logger   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job.Job
}

// New returns an API bound to registry (the Unsynced Sector Manager),
// factory (device resolution), and reporter, which records every
// submitted job's terminal status once it finishes (see
// ledger.Fanout for combining a local and a fleet-wide reporter).
func New(registry *devreg.Registry, factory DeviceFactory, reporter ledger.Reporter, logger zerolog.Logger) *API {
	return &API{
		registry: registry,
		factory:  factory,
		reporter: reporter,
		logger:   logger.With().Str("component", "api").Logger(),
		jobs:     make(map[string]*job.Job),
	}
}

// SubmitBackup implements submit_backup(vectors, is_full).
// jobID must be caller-assigned and unique; the daemon's HTTP/CLI surface
// is expected to generate one (e.g. a ULID) before calling in.
func (a *API) SubmitBackup(ctx context.Context, jobID string, vectors []models.Vector, isFull bool) (*job.Job, error) {
	if len(vectors) == 0 {
		return nil, errors.New("api: submit_backup requires at least one vector")
	}

	devices := make([]job.Device, 0, len(vectors))
	for _, v := range vectors {
		d, err := a.prepareSynchronizer(ctx, v, isFull)
		if err != nil {
			return nil, fmt.Errorf("api: vector for %s: %w", v.SourceDeviceID, err)
		}
		devices = append(devices, *d)
	}

	j := job.New(job.Config{ID: jobID, Devices: devices, Logger: a.logger})

	a.mu.Lock()
	a.jobs[jobID] = j
	a.mu.Unlock()

	j.Start(ctx)
	go a.reportWhenFinished(j)
	return j, nil
}

// reportWhenFinished blocks until j reaches a terminal state, then hands
// its status to the configured Reporter. It runs detached from the
// request that submitted the job, on context.Background(), so the report
// is not lost if the caller's own context is cancelled first.
func (a *API) reportWhenFinished(j *job.Job) {
	j.Wait(0)
	if err := a.reporter.ReportJob(context.Background(), j.Status()); err != nil {
		a.logger.Error().Err(err).Str("job_id", j.ID()).Msg("api: failed to report job status")
	}
}

func (a *API) prepareSynchronizer(ctx context.Context, v models.Vector, isFull bool) (*job.Device, error) {
	source, err := a.factory.OpenSource(v.SourceDeviceID)
	if err != nil {
		return nil, fmt.Errorf("open source device: %w", err)
	}

	if !a.registry.IsTracing(source.ID()) {
		if !isFull {
			return nil, ErrNoBaseline
		}
		if err := a.registry.StartTracer(ctx, source.ID()); err != nil {
			return nil, fmt.Errorf("start tracer: %w", err)
		}
	}

	store := a.registry.GetStore(source.ID())

	if isFull {
		store.ClearIntervals()
		if err := seedInUseSectors(source, store); err != nil {
			return nil, fmt.Errorf("seed in-use sectors: %w", err)
		}
	}

	destination, err := a.factory.OpenDestination(v.DestinationDeviceID, v.DestinationHost, v.DestinationPort)
	if err != nil {
		return nil, fmt.Errorf("open destination device: %w", err)
	}

	deviceSync, err := synchronizer.New(synchronizer.Config{
		Source:      source,
		Destination: destination,
		Store:       store,
		Registry:    a.registry,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("construct synchronizer: %w", err)
	}

	return &job.Device{ID: source.ID().String(), Sync: deviceSync}, nil
}

// seedInUseSectors marks every live filesystem sector of source as dirty,
// so a full backup transfers live data rather than free space. Devices
// with no InUseSectorSource implementation fall back to transferring the
// whole device, since there is no "free space" concept to exploit
// without filesystem awareness (see internal/fsinfo).
func seedInUseSectors(source blockdev.Device, store *sectorstore.Store) error {
	provider, ok := source.(blockdev.InUseSectorSource)
	if !ok {
		size, err := source.SizeBytes()
		if err != nil {
			return err
		}
		return store.AddNonvolatileInterval(sectorstore.Interval{
			Lower: 0,
			Upper: size / sectorstore.SectorSize,
		})
	}

	intervals, err := provider.InUseSectorIntervals()
	if err != nil {
		return err
	}
	for _, iv := range intervals {
		if err := store.AddNonvolatileInterval(sectorstore.Interval{Lower: iv.Lower, Upper: iv.Upper}); err != nil {
			return err
		}
	}
	return nil
}

// Job returns the job previously submitted under jobID, if any.
func (a *API) Job(jobID string) (*job.Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[jobID]
	return j, ok
}

// Jobs returns every job the API has ever submitted, for the admin status
// surface.
func (a *API) Jobs() []*job.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*job.Job, 0, len(a.jobs))
	for _, j := range a.jobs {
		out = append(out, j)
	}
	return out
}
