// Package ledger implements the daemon's local durable state: the
// nonvolatile-interval log AddNonvolatileInterval feeds, and a local
// record of job outcomes, both backed by BoltDB the same way a
// checkpoint store is, but msgpack-encoded rather than JSON for a smaller
// binary encoding. Interval records are written once per interval as a
// full backup seeds its Store, not per copied block.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/anash28/linux-agent/internal/sectorstore"
	"github.com/anash28/linux-agent/pkg/models"
)

const (
	intervalsBucket = "nonvolatile_intervals"
	jobsBucket      = "jobs"
)

// intervalRecord is the on-disk shape for one persisted interval.
type intervalRecord struct {
	DeviceID string `msgpack:"device_id"`
	Lower    uint64 `msgpack:"lower"`
	Upper    uint64 `msgpack:"upper"`
	Recorded int64  `msgpack:"recorded_unix"`
}

// jobRecord is the on-disk shape for one completed job's history.
type jobRecord struct {
	ID              string `msgpack:"id"`
	State           string `msgpack:"state"`
	Succeeded       bool   `msgpack:"succeeded"`
	SyncedSectors   uint64 `msgpack:"synced_sectors"`
	UnsyncedSectors uint64 `msgpack:"unsynced_sectors"`
	FinishedUnix    int64  `msgpack:"finished_unix"`
}

// BoltLedger persists nonvolatile intervals and job history to a single
// local BoltDB file.
type BoltLedger struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the ledger database at path.
func Open(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(intervalsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// Close closes the underlying database.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

// PersistInterval implements sectorstore.Persister. Each call appends one
// record keyed by an incrementing sequence number, not device-and-range,
// so the ledger stays a pure append-only log of what was ever marked
// nonvolatile-dirty rather than a second copy of the live Store.
func (l *BoltLedger) PersistInterval(deviceID string, iv sectorstore.Interval) error {
	record := intervalRecord{
		DeviceID: deviceID,
		Lower:    iv.Lower,
		Upper:    iv.Upper,
		Recorded: time.Now().Unix(),
	}

	data, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("ledger: marshal interval: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(intervalsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// IntervalsForDevice returns every interval ever persisted for deviceID,
// in the order they were recorded.
func (l *BoltLedger) IntervalsForDevice(deviceID string) ([]sectorstore.Interval, error) {
	var out []sectorstore.Interval

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(intervalsBucket))
		return b.ForEach(func(_, data []byte) error {
			var record intervalRecord
			if err := msgpack.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("ledger: unmarshal interval: %w", err)
			}
			if record.DeviceID == deviceID {
				out = append(out, sectorstore.Interval{Lower: record.Lower, Upper: record.Upper})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordJob persists the terminal status of one backup job, for local
// history independent of any fleet-wide reporter (see ledger.Reporter).
func (l *BoltLedger) RecordJob(ctx context.Context, status models.JobStatus) error {
	record := jobRecord{
		ID:              status.ID,
		State:           string(status.State),
		Succeeded:       status.Succeeded,
		SyncedSectors:   status.SyncedSectors,
		UnsyncedSectors: status.UnsyncedSectors,
		FinishedUnix:    time.Now().Unix(),
	}

	data, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("ledger: marshal job: %w", err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		return b.Put([]byte(status.ID), data)
	})
}

// ReportJob implements ledger.Reporter over RecordJob, so a BoltLedger can
// be passed to ledger.Fanout alongside a fleet-wide Reporter.
func (l *BoltLedger) ReportJob(ctx context.Context, status models.JobStatus) error {
	return l.RecordJob(ctx, status)
}

// Job returns the persisted terminal status of jobID, if any.
func (l *BoltLedger) Job(jobID string) (*models.JobStatus, error) {
	var record jobRecord
	found := false

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		data := b.Get([]byte(jobID))
		if data == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: get job %s: %w", jobID, err)
	}
	if !found {
		return nil, nil
	}

	return &models.JobStatus{
		ID:              record.ID,
		State:           models.JobState(record.State),
		Succeeded:       record.Succeeded,
		Finished:        true,
		SyncedSectors:   record.SyncedSectors,
		UnsyncedSectors: record.UnsyncedSectors,
	}, nil
}

// Stats returns the underlying BoltDB's statistics. No admin HTTP route
// exposes them.
func (l *BoltLedger) Stats() bbolt.Stats {
	return l.db.Stats()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		key[i] = byte(seq)
		seq >>= 8
	}
	return key
}
