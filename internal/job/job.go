// Package job orchestrates one backup request end to end: a set of
// per-device Synchronizers sharing a single Coordinator, run concurrently
// with a worker-pool shape, reporting aggregate progress and health.
//
// This supersedes the blockchain indexer's backfill/realtime syncer
// orchestration it is adapted from: the dual-mode catch-up/poll strategy
// and per-block checkpointing have no analog here, but the worker-pool
// fan-out, error aggregation, and health/status reporting shape carries
// over directly.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/internal/coordinator"
	"github.com/anash28/linux-agent/internal/synchronizer"
	"github.com/anash28/linux-agent/pkg/models"
)

var (
	syncedSectorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_synced_sectors_total",
		Help: "Total sectors copied from a source to its destination.",
	}, []string{"job_id", "device_id"})

	unsyncedSectorsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_unsynced_sectors",
		Help: "Sectors still pending copy for a device within a job.",
	}, []string{"job_id", "device_id"})

	synchronizersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_synchronizers_active",
		Help: "Number of synchronizer goroutines currently running across all jobs.",
	})

	jobErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_job_errors_total",
		Help: "Synchronizer failures by device.",
	}, []string{"job_id", "device_id"})
)

// Device identifies one synchronizer within a job for status/metrics
// purposes; it need not be the kernel device-id string, just stable
// within the job.
type Device struct {
	ID   string
	Sync *synchronizer.Synchronizer
}

// Config configures one Job.
type Config struct {
	ID      string
	Devices []Device
	Logger  zerolog.Logger
}

// Job runs every Device's Synchronizer concurrently against a shared
// Coordinator, mirroring one-thread-per-synchronizer model.
type Job struct {
	id          string
	logger      zerolog.Logger
	coordinator *coordinator.Coordinator
	devices     []Device

	mu        sync.RWMutex
	perDevice map[string]deviceProgress
	startedAt time.Time
}

type deviceProgress struct {
	synced   uint64
	unsynced uint64
}

// New constructs a Job. It does not start any synchronizer; call Start.
func New(cfg Config) *Job {
	perDevice := make(map[string]deviceProgress, len(cfg.Devices))
	for _, d := range cfg.Devices {
		perDevice[d.ID] = deviceProgress{}
	}
	return &Job{
		id:          cfg.ID,
		logger:      cfg.Logger.With().Str("component", "job").Str("job_id", cfg.ID).Logger(),
		coordinator: coordinator.New(len(cfg.Devices)),
		devices:     cfg.Devices,
		perDevice:   perDevice,
	}
}

// Start launches one goroutine per device's Synchronizer and returns
// immediately; use Wait to block for completion. Follows the same
// worker-pool fan-out as a shared-queue consumer pool, minus the
// per-block-range chunking that only made sense for a linear range.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	j.logger.Info().Int("devices", len(j.devices)).Msg("job: starting synchronizers")

	var wg sync.WaitGroup
	for _, d := range j.devices {
		wg.Add(1)
		synchronizersActive.Inc()
		go func(d Device) {
			defer wg.Done()
			defer synchronizersActive.Dec()
			j.runOne(ctx, d)
		}(d)
	}

	go func() {
		wg.Wait()
		j.logger.Info().Msg("job: all synchronizers exited")
	}()
}

func (j *Job) runOne(ctx context.Context, d Device) {
	defer j.coordinator.SignalFinished()
	sink := &jobProgressSink{job: j, deviceID: d.ID}
	result := d.Sync.Run(ctx, finishDeferred{j.coordinator}, sink)
	j.coordinator.RecordOutcome(result.Succeeded)

	if result.Err != nil {
		jobErrorsTotal.WithLabelValues(j.id, d.ID).Inc()
		j.logger.Error().Err(result.Err).Str("device_id", d.ID).Msg("job: synchronizer failed")
	}
}

// finishDeferred hands the Coordinator to a Synchronizer with its
// SignalFinished disabled, so runOne can record the outcome first and
// signal afterwards, as Coordinator.RecordOutcome requires.
type finishDeferred struct {
	*coordinator.Coordinator
}

func (finishDeferred) SignalFinished() {}

// jobProgressSink adapts synchronizer.ProgressSink into per-device
// bookkeeping and Prometheus observations.
type jobProgressSink struct {
	job      *Job
	deviceID string
}

func (s *jobProgressSink) UpdateSynced(n uint64) {
	s.job.mu.Lock()
	p := s.job.perDevice[s.deviceID]
	p.synced += n
	s.job.perDevice[s.deviceID] = p
	s.job.mu.Unlock()
	syncedSectorsTotal.WithLabelValues(s.job.id, s.deviceID).Add(float64(n))
}

func (s *jobProgressSink) UpdateUnsynced(n uint64) {
	s.job.mu.Lock()
	p := s.job.perDevice[s.deviceID]
	p.unsynced = n
	s.job.perDevice[s.deviceID] = p
	s.job.mu.Unlock()
	unsyncedSectorsGauge.WithLabelValues(s.job.id, s.deviceID).Set(float64(n))
}

// Wait blocks until every synchronizer has finished or timeout elapses.
// A non-positive timeout waits forever.
func (j *Job) Wait(timeout time.Duration) (finished, succeeded bool) {
	finished = j.coordinator.WaitUntilFinished(timeout)
	return finished, finished && j.coordinator.Succeeded()
}

// Cancel requests that every synchronizer stop at its next iteration
// boundary.
func (j *Job) Cancel() {
	j.coordinator.Cancel()
	for _, d := range j.devices {
		d.Sync.RequestStop()
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Progress returns the summed synced/unsynced sector counts across every
// device in the job, for the admin status surface.
func (j *Job) Progress() (synced, unsynced uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, p := range j.perDevice {
		synced += p.synced
		unsynced += p.unsynced
	}
	return synced, unsynced
}

// State returns the job's lifecycle state.
func (j *Job) State() coordinator.State {
	return j.coordinator.State()
}

// Succeeded reports the job's aggregate verdict; valid once State is
// Finished.
func (j *Job) Succeeded() bool {
	return j.coordinator.Succeeded()
}

// Status snapshots the job's current state into the shape returned across
// the API boundary, for both the admin HTTP surface and job-history
// reporters.
func (j *Job) Status() models.JobStatus {
	synced, unsynced := j.Progress()
	state := j.State()

	var modelState models.JobState
	switch state {
	case coordinator.Cancelled:
		modelState = models.JobCancelled
	case coordinator.Finished:
		modelState = models.JobFinished
	default:
		modelState = models.JobRunning
	}

	return models.JobStatus{
		ID:              j.ID(),
		State:           modelState,
		Succeeded:       state == coordinator.Finished && j.Succeeded(),
		Finished:        state == coordinator.Finished,
		SyncedSectors:   synced,
		UnsyncedSectors: unsynced,
	}
}
