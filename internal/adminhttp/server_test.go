package adminhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anash28/linux-agent/internal/api"
	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/devreg"
	"github.com/anash28/linux-agent/internal/tracebus"
	"github.com/anash28/linux-agent/pkg/models"
)

const blockSize = 4096

type fakeDevice struct {
	id   blockdev.DeviceID
	data []byte
}

func newFakeDevice(id blockdev.DeviceID) *fakeDevice {
	return &fakeDevice{id: id, data: make([]byte, blockSize)}
}

func (d *fakeDevice) ID() blockdev.DeviceID           { return d.id }
func (d *fakeDevice) Open() error                     { return nil }
func (d *fakeDevice) Close() error                    { return nil }
func (d *fakeDevice) SizeBytes() (uint64, error)      { return uint64(len(d.data)), nil }
func (d *fakeDevice) BlockSizeBytes() (uint32, error) { return blockSize, nil }

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, errEOF{}
	}
	return copy(p, d.data[off:]), nil
}

func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

type errEOF struct{}

func (errEOF) Error() string { return "EOF" }

// nopReporter discards job status reports; this suite exercises the HTTP
// surface, not ledger wiring.
type nopReporter struct{}

func (nopReporter) ReportJob(context.Context, models.JobStatus) error { return nil }

type fakeFactory struct {
	sources      map[blockdev.DeviceID]blockdev.Device
	destinations map[blockdev.DeviceID]blockdev.Device
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sources:      make(map[blockdev.DeviceID]blockdev.Device),
		destinations: make(map[blockdev.DeviceID]blockdev.Device),
	}
}

func (f *fakeFactory) OpenSource(id blockdev.DeviceID) (blockdev.Device, error) {
	return f.sources[id], nil
}

func (f *fakeFactory) OpenDestination(id blockdev.DeviceID, _ string, _ uint16) (blockdev.Device, error) {
	return f.destinations[id], nil
}

func newTestServer() (*Server, blockdev.DeviceID, blockdev.DeviceID) {
	srcID := blockdev.DeviceID{Major: 8, Minor: 1}
	dstID := blockdev.DeviceID{Major: 8, Minor: 2}

	factory := newFakeFactory()
	factory.sources[srcID] = newFakeDevice(srcID)
	factory.destinations[dstID] = newFakeDevice(dstID)

	registry := devreg.New(tracebus.NewFakeTracer(), nil)
	a := api.New(registry, factory, nopReporter{}, zerolog.Nop())

	return New(a, zerolog.Nop()), srcID, dstID
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	s, _, _ := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitAndGetJob(t *testing.T) {
	s, srcID, dstID := newTestServer()

	body, err := json.Marshal(submitRequest{
		JobID:  "job-1",
		IsFull: true,
		Vectors: []models.Vector{
			{SourceDeviceID: srcID, DestinationDeviceID: dstID},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The job runs asynchronously; let it finish before reading its status.
	j, ok := s.jobs.Job("job-1")
	require.True(t, ok)
	j.Wait(5 * time.Second)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "job-1", status.ID)
	assert.True(t, status.Finished)
	assert.True(t, status.Succeeded)
}

func TestSubmitJob_RejectsMissingJobID(t *testing.T) {
	s, srcID, dstID := newTestServer()

	body, err := json.Marshal(submitRequest{
		IsFull:  true,
		Vectors: []models.Vector{{SourceDeviceID: srcID, DestinationDeviceID: dstID}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	s, srcID, dstID := newTestServer()

	body, err := json.Marshal(submitRequest{
		JobID:   "job-2",
		IsFull:  true,
		Vectors: []models.Vector{{SourceDeviceID: srcID, DestinationDeviceID: dstID}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []models.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "job-2", statuses[0].ID)
}

func TestCancelJob(t *testing.T) {
	s, srcID, dstID := newTestServer()

	body, err := json.Marshal(submitRequest{
		JobID:   "job-3",
		IsFull:  true,
		Vectors: []models.Vector{{SourceDeviceID: srcID, DestinationDeviceID: dstID}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/jobs/job-3/cancel", nil)
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
