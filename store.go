package batchjob

import (
	"context"
	"time"
)

// Entry is the document shape the scheduler reads and writes. Only Status
// and Owner carry meaning for lock records; folder entries leave them empty.
type Entry struct {
	Tenant string
	URI    string

	// Server-assigned fields.
	ID       string
	Author   string
	Revision int64
	Created  time.Time
	Updated  time.Time

	Status Status
	Owner  string
}

// EntryStore defines the document store operations needed by the scheduler.
// Any database can implement this interface to work with the scheduler.
//
// Implementations must make Post atomic: when several pods post the same
// (Tenant, URI) concurrently exactly one call succeeds and every other call
// returns an error wrapping ErrDuplicateKey. This is the only cross-replica
// ordering primitive the scheduler relies on.
type EntryStore interface {
	// Ping probes connectivity. A failure aborts the tick.
	Ping(ctx context.Context) error

	// Get returns the entry or nil when it does not exist.
	Get(ctx context.Context, tenant, uri string) (*Entry, error)

	// Post creates a new entry and returns the stored copy with the
	// server-assigned fields filled in.
	Post(ctx context.Context, entry *Entry) (*Entry, error)

	// Put updates Status and Owner of an existing entry if its stored
	// revision equals entry.Revision, and returns the stored copy.
	// A mismatch returns an error wrapping ErrRevisionConflict.
	Put(ctx context.Context, entry *Entry) (*Entry, error)

	// Delete removes the entry if its stored revision equals revision.
	Delete(ctx context.Context, tenant, uri string, revision int64) error
}
