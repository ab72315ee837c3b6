package sectorstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddInterval_FusesAbuttingAndOverlapping(t *testing.T) {
	s := New("dev-0", nil)

	s.AddInterval(Interval{Lower: 0, Upper: 8})
	s.AddInterval(Interval{Lower: 8, Upper: 16}) // abuts
	s.AddInterval(Interval{Lower: 20, Upper: 24})
	s.AddInterval(Interval{Lower: 22, Upper: 30}) // overlaps

	assertCanonical(t, s)
	assert.Equal(t, []Interval{
		{Lower: 0, Upper: 16},
		{Lower: 20, Upper: 30},
	}, s.Snapshot())
	assert.EqualValues(t, 26, s.UnsyncedSectorCount())
}

func TestAddInterval_EmptyIsNoop(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 5, Upper: 5})
	assert.Empty(t, s.Snapshot())
	assert.Zero(t, s.UnsyncedSectorCount())
}

func TestRemoveInterval_SplitsAndTrims(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 0, Upper: 40})

	s.RemoveInterval(Interval{Lower: 10, Upper: 20}) // splits into two
	assertCanonical(t, s)
	assert.Equal(t, []Interval{
		{Lower: 0, Upper: 10},
		{Lower: 20, Upper: 40},
	}, s.Snapshot())

	s.RemoveInterval(Interval{Lower: 0, Upper: 5}) // trims left edge
	assert.Equal(t, []Interval{
		{Lower: 5, Upper: 10},
		{Lower: 20, Upper: 40},
	}, s.Snapshot())

	s.RemoveInterval(Interval{Lower: 35, Upper: 1000}) // trims right edge, overruns end
	assert.Equal(t, []Interval{
		{Lower: 5, Upper: 10},
		{Lower: 20, Upper: 35},
	}, s.Snapshot())
}

func TestRemoveInterval_EmptyIsNoop(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 0, Upper: 10})
	s.RemoveInterval(Interval{Lower: 3, Upper: 3})
	assert.Equal(t, []Interval{{Lower: 0, Upper: 10}}, s.Snapshot())
}

func TestAddThenRemove_RoundTrips(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 100, Upper: 200})
	before := s.Snapshot()

	iv := Interval{Lower: 50, Upper: 150}
	s.AddInterval(iv)
	s.RemoveInterval(iv)

	assert.Equal(t, before, s.Snapshot())
}

func TestAddInterval_CommutativeAndAssociative(t *testing.T) {
	ivs := []Interval{
		{Lower: 0, Upper: 10},
		{Lower: 5, Upper: 15},
		{Lower: 100, Upper: 110},
		{Lower: 20, Upper: 30},
	}

	forward := New("dev-0", nil)
	for _, iv := range ivs {
		forward.AddInterval(iv)
	}

	reversed := New("dev-0", nil)
	for i := len(ivs) - 1; i >= 0; i-- {
		reversed.AddInterval(ivs[i])
	}

	assert.Equal(t, forward.Snapshot(), reversed.Snapshot())
	assert.Equal(t, forward.UnsyncedSectorCount(), reversed.UnsyncedSectorCount())
}

func TestGetContinuousUnsynced_EmptySetReturnsEmptyInterval(t *testing.T) {
	s := New("dev-0", nil)
	iv := s.GetContinuousUnsynced()
	assert.True(t, iv.Empty())
}

func TestGetContinuousUnsynced_ReturnsLowestInterval(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 50, Upper: 60})
	s.AddInterval(Interval{Lower: 0, Upper: 10})
	assert.Equal(t, Interval{Lower: 0, Upper: 10}, s.GetContinuousUnsynced())
}

func TestClearIntervals(t *testing.T) {
	s := New("dev-0", nil)
	s.AddInterval(Interval{Lower: 0, Upper: 100})
	s.ClearIntervals()
	assert.Empty(t, s.Snapshot())
	assert.Zero(t, s.UnsyncedSectorCount())
}

type recordingPersister struct {
	mu        sync.Mutex
	persisted []Interval
}

func (r *recordingPersister) PersistInterval(_ string, iv Interval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, iv)
	return nil
}

func TestAddNonvolatileInterval_PersistsOnlyNonvolatilePath(t *testing.T) {
	p := &recordingPersister{}
	s := New("dev-0", p)

	s.AddInterval(Interval{Lower: 0, Upper: 10})
	require.NoError(t, s.AddNonvolatileInterval(Interval{Lower: 10, Upper: 20}))

	assert.Equal(t, []Interval{{Lower: 10, Upper: 20}}, p.persisted)
	assert.Equal(t, []Interval{{Lower: 0, Upper: 20}}, s.Snapshot())
}

func TestConcurrentAddAndRemove_RemainsCanonical(t *testing.T) {
	s := New("dev-0", nil)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			s.AddInterval(Interval{Lower: i * 4, Upper: i*4 + 2})
		}
	}()
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			s.RemoveInterval(Interval{Lower: i * 4, Upper: i*4 + 1})
		}
	}()
	wg.Wait()

	assertCanonical(t, s)

	var sum uint64
	for _, iv := range s.Snapshot() {
		sum += iv.Cardinality()
	}
	assert.Equal(t, sum, s.UnsyncedSectorCount())
}

// assertCanonical verifies the Store's invariants: ascending order, no
// overlap/abut between neighbors, and count == sum(cardinality).
func assertCanonical(t *testing.T, s *Store) {
	t.Helper()
	ivs := s.Snapshot()

	var sum uint64
	for i, iv := range ivs {
		assert.False(t, iv.Empty(), "interval %d is empty", i)
		sum += iv.Cardinality()
		if i == 0 {
			continue
		}
		prev := ivs[i-1]
		assert.Greater(t, iv.Lower, prev.Upper, "interval %d abuts or overlaps %d", i, i-1)
	}
	assert.Equal(t, sum, s.UnsyncedSectorCount())
}
