package devreg

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/sectorstore"
)

type fakeTracer struct {
	mu       sync.Mutex
	started  map[blockdev.DeviceID]int
	flushed  map[blockdev.DeviceID]int
	stopped  map[blockdev.DeviceID]int
	startErr error
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{
		started: make(map[blockdev.DeviceID]int),
		flushed: make(map[blockdev.DeviceID]int),
		stopped: make(map[blockdev.DeviceID]int),
	}
}

func (f *fakeTracer) Start(_ context.Context, d blockdev.DeviceID, _ *sectorstore.Store) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started[d]++
	return nil
}

func (f *fakeTracer) Flush(_ context.Context, d blockdev.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed[d]++
	return nil
}

func (f *fakeTracer) Stop(_ context.Context, d blockdev.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[d]++
	return nil
}

func TestRegistry_GetStoreIsIdempotent(t *testing.T) {
	r := New(newFakeTracer(), nil)
	dev := blockdev.DeviceID{Major: 8, Minor: 0}

	s1 := r.GetStore(dev)
	s2 := r.GetStore(dev)
	assert.Same(t, s1, s2)
}

func TestRegistry_StartTracerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracer := newFakeTracer()
	r := New(tracer, nil)
	dev := blockdev.DeviceID{Major: 8, Minor: 0}

	require.NoError(t, r.StartTracer(ctx, dev))
	require.NoError(t, r.StartTracer(ctx, dev))

	assert.True(t, r.IsTracing(dev))
	assert.Equal(t, 1, tracer.started[dev])
}

func TestRegistry_StartTracerPropagatesFailure(t *testing.T) {
	ctx := context.Background()
	tracer := newFakeTracer()
	tracer.startErr = errors.New("boom")
	r := New(tracer, nil)
	dev := blockdev.DeviceID{Major: 8, Minor: 0}

	err := r.StartTracer(ctx, dev)
	require.Error(t, err)
	assert.False(t, r.IsTracing(dev))
}

func TestRegistry_FlushTracerNoopWithoutActiveTracer(t *testing.T) {
	ctx := context.Background()
	tracer := newFakeTracer()
	r := New(tracer, nil)
	dev := blockdev.DeviceID{Major: 8, Minor: 0}

	require.NoError(t, r.FlushTracer(ctx, dev))
	assert.Zero(t, tracer.flushed[dev])
}

func TestRegistry_StopTracerMarksUntraced(t *testing.T) {
	ctx := context.Background()
	tracer := newFakeTracer()
	r := New(tracer, nil)
	dev := blockdev.DeviceID{Major: 8, Minor: 0}

	require.NoError(t, r.StartTracer(ctx, dev))
	require.NoError(t, r.StopTracer(ctx, dev))

	assert.False(t, r.IsTracing(dev))
	assert.Equal(t, 1, tracer.stopped[dev])
}
