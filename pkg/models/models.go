// Package models holds the domain types shared across the daemon's
// packages: the backup request shape accepted at the API boundary and the
// status shape reported back out of it.
package models

import "github.com/anash28/linux-agent/internal/blockdev"

// Vector describes one source-to-destination pairing to synchronize;
// submit_backup accepts a sequence of these.
type Vector struct {
	SourceDeviceID      blockdev.DeviceID `json:"source_device_id"`
	DestinationHost     string            `json:"destination_host"`
	DestinationPort     uint16            `json:"destination_port"`
	DestinationDeviceID blockdev.DeviceID `json:"destination_device_id"`
}

// JobState mirrors coordinator.State at the API boundary without importing
// the coordinator package's internal Cond-based type directly into
// client-facing responses.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCancelled JobState = "cancelled"
	JobFinished  JobState = "finished"
)

// JobStatus is the point-in-time snapshot returned by job.Job.Status,
// served by the admin HTTP status surface and handed to ledger reporters.
type JobStatus struct {
	ID              string   `json:"id"`
	State           JobState `json:"state"`
	Succeeded       bool     `json:"succeeded"`
	Finished        bool     `json:"finished"`
	SyncedSectors   uint64   `json:"synced_sectors"`
	UnsyncedSectors uint64   `json:"unsynced_sectors"`
}
