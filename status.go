package batchjob

import "sync"

// Status is the lifecycle state of a lock record.
type Status string

// Lock record states. A record moves waiting → running → succeeded|failed,
// or waiting → not_executed when it is cancelled before it started.
const (
	StatusWaiting     Status = "waiting"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusNotExecuted Status = "not_executed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusNotExecuted:
		return true
	}
	return false
}

// LockRecord is the in-memory side of a job lock entry. The same pointer is
// held by the Registry and by the task running the job, so every status
// change made by the task is visible to the shutdown path without a store
// read. All access goes through the mutex.
type LockRecord struct {
	Tenant        string
	JobName       string
	FireTimestamp string
	URI           string
	Owner         string

	mu    sync.RWMutex
	entry Entry
}

func newLockRecord(stored *Entry, jobName, fireTimestamp string) *LockRecord {
	rec := &LockRecord{
		Tenant:        stored.Tenant,
		JobName:       jobName,
		FireTimestamp: fireTimestamp,
		URI:           stored.URI,
		Owner:         stored.Owner,
	}
	rec.entry = *stored
	return rec
}

// Status returns the last known status.
func (r *LockRecord) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entry.Status
}

// Revision returns the last known store revision.
func (r *LockRecord) Revision() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entry.Revision
}

// Snapshot returns a copy of the last known entry.
func (r *LockRecord) Snapshot() Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entry
}

// apply copies the server-assigned fields of an updated entry onto the
// record. The record itself is never replaced.
func (r *LockRecord) apply(updated *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry.Status = updated.Status
	r.entry.ID = updated.ID
	r.entry.Author = updated.Author
	r.entry.Revision = updated.Revision
	r.entry.Updated = updated.Updated
}

func (r *LockRecord) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry.Status = s
}
