package batchjob

import (
	"sort"
	"sync"
	"time"
)

// Future is the in-memory handle of one dispatched fire-time.
type Future struct {
	Tenant      string
	JobName     string
	TargetRef   string
	Lock        *LockRecord
	Handle      TaskHandle
	ScheduledAt time.Time
	Delay       time.Duration
	Identity    Identity
}

// Status returns the current status of the future's lock record.
func (f *Future) Status() Status {
	return f.Lock.Status()
}

// Registry holds the outstanding futures of every tenant. One Registry is
// shared by the tick and the shutdown path of a Scheduler.
type Registry struct {
	mu      sync.Mutex
	futures map[string][]*Future
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{futures: make(map[string][]*Future)}
}

// Add appends f to its tenant's list and drops entries of that tenant whose
// lock is already terminal.
func (r *Registry) Add(f *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.futures[f.Tenant]
	kept := list[:0]
	for _, existing := range list {
		if !existing.Status().Terminal() {
			kept = append(kept, existing)
		}
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}
	r.futures[f.Tenant] = append(kept, f)
}

// Remove drops f from its tenant's list.
func (r *Registry) Remove(f *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.futures[f.Tenant]
	for i, existing := range list {
		if existing == f {
			r.futures[f.Tenant] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.futures[f.Tenant]) == 0 {
		delete(r.futures, f.Tenant)
	}
}

// Tenants returns the tenants that have futures, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants := make([]string, 0, len(r.futures))
	for t := range r.futures {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// Futures returns a copy of tenant's list in dispatch order.
func (r *Registry) Futures(tenant string) []*Future {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.futures[tenant]
	out := make([]*Future, len(list))
	copy(out, list)
	return out
}

// Len returns the number of futures over all tenants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.futures {
		n += len(list)
	}
	return n
}
