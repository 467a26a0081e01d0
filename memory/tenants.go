package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
)

type tenant struct {
	name       string
	status     batchjob.TenantStatus
	properties map[string]string
	settings   batchjob.TenantSettings
}

// Tenants implements batchjob.TenantRegistry in memory. Tenants are listed
// in the order they were added.
type Tenants struct {
	mu      sync.RWMutex
	order   []string
	tenants map[string]*tenant
}

// NewTenants creates an empty registry.
func NewTenants() *Tenants {
	return &Tenants{tenants: make(map[string]*tenant)}
}

// Add registers or updates a tenant.
func (r *Tenants) Add(name string, status batchjob.TenantStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[name]; ok {
		t.status = status
		return
	}
	r.order = append(r.order, name)
	r.tenants[name] = &tenant{name: name, status: status, properties: make(map[string]string)}
}

// SetProperty sets one tenant property.
func (r *Tenants) SetProperty(name, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[name]
	if !ok {
		return errors.Newf("unknown tenant %q", name)
	}
	t.properties[key] = value
	return nil
}

// SetJob declares a job, shorthand for SetProperty with the job prefix.
func (r *Tenants) SetJob(name, job, value string) error {
	return r.SetProperty(name, batchjob.JobPropertyPrefix+job, value)
}

// SetSettings replaces a tenant's settings.
func (r *Tenants) SetSettings(name string, settings batchjob.TenantSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tenants[name]
	if !ok {
		return errors.Newf("unknown tenant %q", name)
	}
	t.settings = settings
	return nil
}

// ListTenants implements batchjob.TenantRegistry.
func (r *Tenants) ListTenants(ctx context.Context, statuses ...batchjob.TenantStatus) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		t := r.tenants[name]
		for _, s := range statuses {
			if t.status == s {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

// JobProperties implements batchjob.TenantRegistry.
func (r *Tenants) JobProperties(ctx context.Context, name string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[name]
	if !ok {
		return nil, errors.Newf("unknown tenant %q", name)
	}
	props := make(map[string]string)
	for k, v := range t.properties {
		if strings.HasPrefix(k, batchjob.JobPropertyPrefix) {
			props[k] = v
		}
	}
	return props, nil
}

// Settings implements batchjob.TenantRegistry.
func (r *Tenants) Settings(ctx context.Context, name string) (batchjob.TenantSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[name]
	if !ok {
		return batchjob.TenantSettings{}, errors.Newf("unknown tenant %q", name)
	}
	return t.settings, nil
}
