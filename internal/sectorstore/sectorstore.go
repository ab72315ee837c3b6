// Package sectorstore implements the per-device dirty-sector tracking set.
//
// A Store holds a canonical, non-overlapping, ascending collection of
// half-open sector intervals for one source device. It is the hot-path
// synchronization point between the tracer (one writer) and the
// synchronizer (one reader-modifier): every mutation is serialized behind
// a single mutex, and the running sector count is maintained incrementally
// so size queries never walk the interval list.
package sectorstore

import (
	"sort"
	"sync"
)

// SectorSize is the fixed addressing unit, in bytes, that sector addresses
// in an Interval are expressed in.
const SectorSize = 512

// Interval is a half-open range [Lower, Upper) of sector addresses.
// It is empty iff Lower == Upper.
type Interval struct {
	Lower uint64
	Upper uint64
}

// Empty reports whether the interval covers zero sectors.
func (iv Interval) Empty() bool {
	return iv.Lower >= iv.Upper
}

// Cardinality returns the number of sectors the interval covers.
func (iv Interval) Cardinality() uint64 {
	if iv.Empty() {
		return 0
	}
	return iv.Upper - iv.Lower
}

// overlapsOrAbuts reports whether a and b should be fused on insert: they
// overlap, or their boundaries touch with no gap between them.
func overlapsOrAbuts(a, b Interval) bool {
	return a.Lower <= b.Upper && b.Lower <= a.Upper
}

// Persister durably records nonvolatile interval additions. AddInterval
// never calls it; AddNonvolatileInterval always does, and today there is
// no behavior divergence beyond that call. See internal/ledger for the
// bbolt-backed implementation.
type Persister interface {
	PersistInterval(deviceID string, iv Interval) error
}

// noopPersister is used when a Store is constructed without persistence.
type noopPersister struct{}

func (noopPersister) PersistInterval(string, Interval) error { return nil }

// Store is a thread-safe set of dirty sector intervals for one device.
type Store struct {
	mu        sync.Mutex
	intervals []Interval // ascending by Lower, canonical: no overlap/abut
	count     uint64     // sum of cardinalities, kept in sync with intervals
	deviceID  string
	persister Persister
}

// New returns an empty Store. deviceID is used only to label persisted
// nonvolatile intervals; it may be empty if persistence is not in use.
func New(deviceID string, persister Persister) *Store {
	if persister == nil {
		persister = noopPersister{}
	}
	return &Store{deviceID: deviceID, persister: persister}
}

// AddInterval unions iv into the set. Overlapping or abutting intervals are
// fused. Empty intervals are no-ops.
func (s *Store) AddInterval(iv Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(iv)
}

// AddNonvolatileInterval has identical live-set semantics to AddInterval,
// but additionally durably records iv via the Store's Persister. The
// distinction exists so a persistence layer can discard ordinary
// (tracer-fed, "volatile") additions while retaining these ones; the core
// itself does not otherwise treat the two differently.
func (s *Store) AddNonvolatileInterval(iv Interval) error {
	s.mu.Lock()
	s.addLocked(iv)
	s.mu.Unlock()

	if iv.Empty() {
		return nil
	}
	return s.persister.PersistInterval(s.deviceID, iv)
}

func (s *Store) addLocked(iv Interval) {
	if iv.Empty() {
		return
	}

	// Find the first interval whose Upper is >= iv.Lower; every interval
	// before it is strictly disjoint and unaffected.
	start := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].Upper >= iv.Lower
	})

	merged := iv
	end := start
	for end < len(s.intervals) && overlapsOrAbuts(s.intervals[end], merged) {
		if s.intervals[end].Lower < merged.Lower {
			merged.Lower = s.intervals[end].Lower
		}
		if s.intervals[end].Upper > merged.Upper {
			merged.Upper = s.intervals[end].Upper
		}
		s.count -= s.intervals[end].Cardinality()
		end++
	}

	s.count += merged.Cardinality()

	// Replace intervals[start:end) with the single merged interval.
	tail := append([]Interval{}, s.intervals[end:]...)
	s.intervals = append(s.intervals[:start], merged)
	s.intervals = append(s.intervals, tail...)
}

// RemoveInterval subtracts iv from the set, splitting or trimming any
// intervals it overlaps. Empty intervals are no-ops.
func (s *Store) RemoveInterval(iv Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iv.Empty() {
		return
	}

	result := make([]Interval, 0, len(s.intervals)+1)
	for _, cur := range s.intervals {
		if cur.Upper <= iv.Lower || cur.Lower >= iv.Upper {
			// Disjoint from iv, keep unchanged.
			result = append(result, cur)
			continue
		}

		// Left remainder.
		if cur.Lower < iv.Lower {
			left := Interval{Lower: cur.Lower, Upper: iv.Lower}
			result = append(result, left)
		}
		// Right remainder.
		if cur.Upper > iv.Upper {
			right := Interval{Lower: iv.Upper, Upper: cur.Upper}
			result = append(result, right)
		}

		removedLower := cur.Lower
		if iv.Lower > removedLower {
			removedLower = iv.Lower
		}
		removedUpper := cur.Upper
		if iv.Upper < removedUpper {
			removedUpper = iv.Upper
		}
		s.count -= Interval{Lower: removedLower, Upper: removedUpper}.Cardinality()
	}

	s.intervals = result
}

// ClearIntervals empties the set.
func (s *Store) ClearIntervals() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = nil
	s.count = 0
}

// GetContinuousUnsynced returns the first (lowest) non-empty interval, or
// an empty interval if the set has no dirty sectors. It never blocks.
func (s *Store) GetContinuousUnsynced() Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.intervals) == 0 {
		return Interval{}
	}
	return s.intervals[0]
}

// UnsyncedSectorCount returns the total cardinality of all intervals.
func (s *Store) UnsyncedSectorCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Snapshot returns a copy of the current intervals, for diagnostics and
// tests. It is not part of the core contract.
func (s *Store) Snapshot() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}
