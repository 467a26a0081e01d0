package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
)

// Tenants implements batchjob.TenantRegistry on SQLite. Tenants are listed
// by name.
type Tenants struct {
	db *sql.DB
}

// NewTenants creates a registry over db. Call Migrate first.
func NewTenants(db *sql.DB) *Tenants {
	return &Tenants{db: db}
}

// Upsert creates or updates a tenant row.
func (t *Tenants) Upsert(ctx context.Context, name string, status batchjob.TenantStatus, jobTimeout time.Duration) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO batchjob_tenants (name, status, job_timeout_seconds) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET status = excluded.status, job_timeout_seconds = excluded.job_timeout_seconds`,
		name, string(status), int64(jobTimeout/time.Second))
	if err != nil {
		return errors.Wrapf(err, "failed to upsert tenant %s", name)
	}
	return nil
}

// SetProperty creates or updates one tenant property.
func (t *Tenants) SetProperty(ctx context.Context, tenant, key, value string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO batchjob_properties (tenant, key, value) VALUES (?, ?, ?)
		ON CONFLICT(tenant, key) DO UPDATE SET value = excluded.value`,
		tenant, key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to set property %s of %s", key, tenant)
	}
	return nil
}

// ListTenants implements batchjob.TenantRegistry.
func (t *Tenants) ListTenants(ctx context.Context, statuses ...batchjob.TenantStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	rows, err := t.db.QueryContext(ctx,
		`SELECT name FROM batchjob_tenants WHERE status IN (`+placeholders+`) ORDER BY name`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant")
		}
		names = append(names, name)
	}
	return names, errors.Wrap(rows.Err(), "tenant rows failed")
}

// JobProperties implements batchjob.TenantRegistry.
func (t *Tenants) JobProperties(ctx context.Context, tenant string) (map[string]string, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key, value FROM batchjob_properties WHERE tenant = ? AND key LIKE ?`,
		tenant, batchjob.JobPropertyPrefix+"%")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load properties of %s", tenant)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "failed to scan property")
		}
		props[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "property rows failed")
	}
	return props, nil
}

// Settings implements batchjob.TenantRegistry.
func (t *Tenants) Settings(ctx context.Context, tenant string) (batchjob.TenantSettings, error) {
	var seconds int64
	err := t.db.QueryRowContext(ctx,
		`SELECT job_timeout_seconds FROM batchjob_tenants WHERE name = ?`, tenant).Scan(&seconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return batchjob.TenantSettings{}, errors.Newf("unknown tenant %q", tenant)
		}
		return batchjob.TenantSettings{}, errors.Wrapf(err, "failed to load settings of %s", tenant)
	}
	return batchjob.TenantSettings{JobTimeout: time.Duration(seconds) * time.Second}, nil
}
