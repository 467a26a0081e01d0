// Package memory provides in-process implementations of the batchjob store
// and tenant registry. They are meant for tests, examples and single-pod
// deployments; nothing is persisted.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Store implements batchjob.EntryStore in memory.
type Store struct {
	mu      sync.Mutex
	entries map[string]*batchjob.Entry
	pingErr error
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*batchjob.Entry),
		now:     time.Now,
	}
}

func key(tenant, uri string) string {
	return tenant + "\x00" + uri
}

// SetPingError makes Ping fail with err until it is reset with nil.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Ping implements batchjob.EntryStore.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return errors.Mark(s.pingErr, batchjob.ErrStoreUnavailable)
	}
	return ctx.Err()
}

// Get implements batchjob.EntryStore.
func (s *Store) Get(ctx context.Context, tenant, uri string) (*batchjob.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key(tenant, uri)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Post implements batchjob.EntryStore.
func (s *Store) Post(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(entry.Tenant, entry.URI)
	if _, exists := s.entries[k]; exists {
		return nil, errors.Wrapf(batchjob.ErrDuplicateKey, "%s%s", entry.Tenant, entry.URI)
	}

	now := s.now()
	stored := *entry
	stored.ID = uuid.NewString()
	stored.Author = entry.Owner
	stored.Revision = 1
	stored.Created = now
	stored.Updated = now
	s.entries[k] = &stored

	cp := stored
	return &cp, nil
}

// Put implements batchjob.EntryStore.
func (s *Store) Put(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[key(entry.Tenant, entry.URI)]
	if !ok {
		return nil, errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s does not exist", entry.Tenant, entry.URI)
	}
	if stored.Revision != entry.Revision {
		return nil, errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s at revision %d, update from %d",
			entry.Tenant, entry.URI, stored.Revision, entry.Revision)
	}

	stored.Status = entry.Status
	stored.Owner = entry.Owner
	stored.Author = entry.Owner
	stored.Revision++
	stored.Updated = s.now()

	cp := *stored
	return &cp, nil
}

// Delete implements batchjob.EntryStore.
func (s *Store) Delete(ctx context.Context, tenant, uri string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenant, uri)
	stored, ok := s.entries[k]
	if !ok {
		return errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s does not exist", tenant, uri)
	}
	if stored.Revision != revision {
		return errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s at revision %d, delete from %d",
			tenant, uri, stored.Revision, revision)
	}
	delete(s.entries, k)
	return nil
}

// Len returns the number of stored entries, folders included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
