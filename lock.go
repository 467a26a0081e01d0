package batchjob

import (
	"context"
	"path"

	"github.com/cockroachdb/errors"
)

// LockFolder is the URI of the folder holding all lock records of a tenant.
const LockFolder = "/_batchjob"

// LockURI returns the URI of the lock record for one fire-time.
func LockURI(jobName, fireTimestamp string) string {
	return path.Join(LockFolder, jobName, fireTimestamp)
}

// LockManager implements create-if-absent locking of fire-times on top of an
// EntryStore and the status transitions of the resulting records.
type LockManager struct {
	store EntryStore
}

// NewLockManager creates a LockManager backed by store.
func NewLockManager(store EntryStore) *LockManager {
	return &LockManager{store: store}
}

// TryAcquire claims (jobName, fireTimestamp) for pod. It returns acquired ==
// false without an error when the record already exists or another pod
// created it first. Only the caller that gets acquired == true may run the
// job at that fire-time.
func (m *LockManager) TryAcquire(ctx context.Context, tenant, jobName, fireTimestamp, pod string) (*LockRecord, bool, error) {
	if err := m.ensureFolder(ctx, tenant, LockFolder); err != nil {
		return nil, false, err
	}
	if err := m.ensureFolder(ctx, tenant, path.Join(LockFolder, jobName)); err != nil {
		return nil, false, err
	}

	uri := LockURI(jobName, fireTimestamp)

	// The same fire-time can be evaluated again on a later tick when a
	// previous trigger raced, so look before posting.
	existing, err := m.store.Get(ctx, tenant, uri)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read lock %s", uri)
	}
	if existing != nil {
		return nil, false, nil
	}

	stored, err := m.store.Post(ctx, &Entry{
		Tenant: tenant,
		URI:    uri,
		Status: StatusWaiting,
		Owner:  pod,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to create lock %s", uri)
	}
	return newLockRecord(stored, jobName, fireTimestamp), true, nil
}

func (m *LockManager) ensureFolder(ctx context.Context, tenant, uri string) error {
	existing, err := m.store.Get(ctx, tenant, uri)
	if err != nil {
		return errors.Wrapf(err, "failed to read folder %s", uri)
	}
	if existing != nil {
		return nil
	}
	_, err = m.store.Post(ctx, &Entry{Tenant: tenant, URI: uri})
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return errors.Wrapf(err, "failed to create folder %s", uri)
	}
	return nil
}

// MarkRunning moves rec from waiting to running.
func (m *LockManager) MarkRunning(ctx context.Context, rec *LockRecord) error {
	return m.transition(ctx, rec, StatusRunning)
}

// MarkTerminal moves rec to succeeded or failed.
func (m *LockManager) MarkTerminal(ctx context.Context, rec *LockRecord, status Status) error {
	if status != StatusSucceeded && status != StatusFailed {
		return errors.AssertionFailedf("terminal status must be succeeded or failed, got %q", status)
	}
	return m.transition(ctx, rec, status)
}

// transition writes status with a conditional update and copies the
// server-assigned fields of the stored copy onto rec. A terminal record
// never changes again; concurrent writers are ordered by the revision check.
func (m *LockManager) transition(ctx context.Context, rec *LockRecord, status Status) error {
	entry := rec.Snapshot()
	if entry.Status.Terminal() {
		return errors.Wrapf(ErrAlreadyTerminal, "cannot mark %s %s, it is %s", rec.URI, status, entry.Status)
	}
	entry.Status = status

	updated, err := m.store.Put(ctx, &entry)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s %s", rec.URI, status)
	}
	rec.apply(updated)
	return nil
}

// Release deletes a lock record whose job never started and records it as
// not executed in memory.
func (m *LockManager) Release(ctx context.Context, rec *LockRecord) error {
	if err := m.store.Delete(ctx, rec.Tenant, rec.URI, rec.Revision()); err != nil {
		return errors.Wrapf(err, "failed to delete lock %s", rec.URI)
	}
	rec.setStatus(StatusNotExecuted)
	return nil
}
