package batchjob

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// TenantStatus is the lifecycle state of a tenant in the registry.
type TenantStatus string

// Tenant states.
const (
	TenantCreating   TenantStatus = "creating"
	TenantStaging    TenantStatus = "staging"
	TenantProduction TenantStatus = "production"
	TenantBlocked    TenantStatus = "blocked"
	TenantDeleted    TenantStatus = "deleted"
)

// ActiveTenantStatuses lists every state of a known, non-deleted tenant.
var ActiveTenantStatuses = []TenantStatus{TenantCreating, TenantStaging, TenantProduction, TenantBlocked}

// TenantSettings holds the per-tenant values the scheduler needs.
type TenantSettings struct {
	// JobTimeout bounds one job body. Zero means the scheduler default.
	JobTimeout time.Duration
}

// TenantRegistry lists tenants and their configuration.
type TenantRegistry interface {
	// ListTenants returns tenants in any of statuses, in listing order.
	ListTenants(ctx context.Context, statuses ...TenantStatus) ([]string, error)

	// JobProperties returns the tenant properties whose keys start with
	// JobPropertyPrefix.
	JobProperties(ctx context.Context, tenant string) (map[string]string, error)

	// Settings returns the tenant's scheduler settings.
	Settings(ctx context.Context, tenant string) (TenantSettings, error)
}

// IdentityFunc builds the execution identity of a tenant's jobs.
type IdentityFunc func(ctx context.Context, tenant string) (Identity, error)

// DefaultIdentity runs jobs as "batchjob@<tenant>".
func DefaultIdentity(_ context.Context, tenant string) (Identity, error) {
	return Identity{Tenant: tenant, Principal: "batchjob@" + tenant}, nil
}

// tenantContext is what a tick needs to know about a tenant besides its job
// definitions.
type tenantContext struct {
	Tenant   string
	Settings TenantSettings
	Identity Identity
}

// tenantContexts initializes each tenant once and caches the result.
type tenantContexts struct {
	registry   TenantRegistry
	identity   IdentityFunc
	timeout    time.Duration
	jobTimeout time.Duration

	mu    sync.Mutex
	cache map[string]*tenantContext
}

func newTenantContexts(registry TenantRegistry, identity IdentityFunc, timeout, jobTimeout time.Duration) *tenantContexts {
	return &tenantContexts{
		registry:   registry,
		identity:   identity,
		timeout:    timeout,
		jobTimeout: jobTimeout,
		cache:      make(map[string]*tenantContext),
	}
}

// get returns the cached context of tenant or fetches settings and identity
// in parallel, bounded by the init timeout.
func (c *tenantContexts) get(ctx context.Context, tenant string) (*tenantContext, error) {
	c.mu.Lock()
	tc, ok := c.cache[tenant]
	c.mu.Unlock()
	if ok {
		return tc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tc = &tenantContext{Tenant: tenant}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		settings, err := c.registry.Settings(gctx, tenant)
		if err != nil {
			return errors.Wrapf(err, "failed to load settings of %s", tenant)
		}
		tc.Settings = settings
		return nil
	})
	g.Go(func() error {
		id, err := c.identity(gctx, tenant)
		if err != nil {
			return errors.Wrapf(err, "failed to build identity of %s", tenant)
		}
		tc.Identity = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if tc.Settings.JobTimeout <= 0 {
		tc.Settings.JobTimeout = c.jobTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.cache[tenant]; ok {
		return existing, nil
	}
	c.cache[tenant] = tc
	return tc, nil
}

// forget drops a cached tenant so the next tick reloads it.
func (c *tenantContexts) forget(tenant string) {
	c.mu.Lock()
	delete(c.cache, tenant)
	c.mu.Unlock()
}
