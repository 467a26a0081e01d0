// Package sqlite implements the batchjob store and tenant registry on SQLite.
// A primary key on (tenant, uri) makes concurrent lock creation fail for all
// but one caller, which is enough for pods sharing one database file.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS batchjob_entries (
	tenant   TEXT NOT NULL,
	uri      TEXT NOT NULL,
	id       TEXT NOT NULL,
	status   TEXT NOT NULL DEFAULT '',
	owner    TEXT NOT NULL DEFAULT '',
	author   TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL,
	created  TEXT NOT NULL,
	updated  TEXT NOT NULL,
	PRIMARY KEY (tenant, uri)
);
CREATE INDEX IF NOT EXISTS batchjob_entries_status ON batchjob_entries (tenant, status);

CREATE TABLE IF NOT EXISTS batchjob_tenants (
	name                TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	job_timeout_seconds INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS batchjob_properties (
	tenant TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (tenant, key)
);
`

// Open opens a SQLite database for the store. SQLite has a single writer,
// so the pool is limited to one connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", dsn)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates the tables used by Store and Tenants.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// Store implements batchjob.EntryStore on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over db. Call Migrate first.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ping implements batchjob.EntryStore.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Mark(errors.Wrap(err, "ping failed"), batchjob.ErrStoreUnavailable)
	}
	return nil
}

const selectEntry = `SELECT tenant, uri, id, status, owner, author, revision, created, updated
	FROM batchjob_entries WHERE tenant = ? AND uri = ?`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getEntry(ctx context.Context, q queryer, tenant, uri string) (*batchjob.Entry, error) {
	var (
		e                batchjob.Entry
		status           string
		created, updated string
	)
	err := q.QueryRowContext(ctx, selectEntry, tenant, uri).Scan(
		&e.Tenant, &e.URI, &e.ID, &status, &e.Owner, &e.Author, &e.Revision, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s%s", tenant, uri)
	}
	e.Status = batchjob.Status(status)
	if e.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, errors.Wrapf(err, "invalid created time of %s%s", tenant, uri)
	}
	if e.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, errors.Wrapf(err, "invalid updated time of %s%s", tenant, uri)
	}
	return &e, nil
}

// Get implements batchjob.EntryStore.
func (s *Store) Get(ctx context.Context, tenant, uri string) (*batchjob.Entry, error) {
	return getEntry(ctx, s.db, tenant, uri)
}

// Post implements batchjob.EntryStore.
func (s *Store) Post(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	now := s.now()
	stored := *entry
	stored.ID = uuid.NewString()
	stored.Author = entry.Owner
	stored.Revision = 1
	stored.Created = now
	stored.Updated = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batchjob_entries (tenant, uri, id, status, owner, author, revision, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.Tenant, stored.URI, stored.ID, string(stored.Status), stored.Owner, stored.Author,
		stored.Revision, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(batchjob.ErrDuplicateKey, "%s%s", entry.Tenant, entry.URI)
		}
		return nil, errors.Wrapf(err, "failed to insert %s%s", entry.Tenant, entry.URI)
	}
	return &stored, nil
}

// Put implements batchjob.EntryStore.
func (s *Store) Put(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE batchjob_entries SET status = ?, owner = ?, author = ?, revision = revision + 1, updated = ?
		WHERE tenant = ? AND uri = ? AND revision = ?`,
		string(entry.Status), entry.Owner, entry.Owner, s.now().Format(time.RFC3339Nano),
		entry.Tenant, entry.URI, entry.Revision)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update %s%s", entry.Tenant, entry.URI)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s at revision %d", entry.Tenant, entry.URI, entry.Revision)
	}

	updated, err := getEntry(ctx, tx, entry.Tenant, entry.URI)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit update")
	}
	return updated, nil
}

// Delete implements batchjob.EntryStore.
func (s *Store) Delete(ctx context.Context, tenant, uri string, revision int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batchjob_entries WHERE tenant = ? AND uri = ? AND revision = ?`,
		tenant, uri, revision)
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s%s", tenant, uri)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(batchjob.ErrRevisionConflict, "%s%s at revision %d", tenant, uri, revision)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
