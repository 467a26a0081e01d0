package batchjob

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PodNameEnv is the environment variable holding the replica name.
const PodNameEnv = "POD_NAME"

// DefaultPodName is used when PodNameEnv is unset.
const DefaultPodName = "unknown-pod"

// PodNameFromEnv returns the replica name from the environment.
func PodNameFromEnv() string {
	if name := os.Getenv(PodNameEnv); name != "" {
		return name
	}
	return DefaultPodName
}

// Config holds the configuration for a Scheduler.
type Config struct {
	// Store is the required document store holding lock records.
	Store EntryStore

	// Tenants is the required tenant registry.
	Tenants TenantRegistry

	// Executor is the required job-body executor.
	Executor Executor

	// Queue runs job bodies. Default: a DelayQueue with QueueConcurrency
	// slots, owned and closed by the Scheduler.
	Queue TaskQueue

	// Registry tracks outstanding futures. Default: a new Registry.
	Registry *Registry

	// PeerTrigger is called once after a tick that dispatched work.
	// Optional.
	PeerTrigger PeerTrigger

	// Identity builds execution identities. Default: DefaultIdentity.
	Identity IdentityFunc

	// Logger receives structured logs. Default: no-op.
	Logger *zap.SugaredLogger

	// PodName identifies this replica as lock owner.
	// Default: PodNameFromEnv().
	PodName string

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Event Handlers (all optional)

	// OnStart is called when the scheduler starts.
	OnStart func(ctx context.Context) error

	// OnStop is called after shutdown reconciliation.
	OnStop func(ctx context.Context) error

	// OnDispatch is called for every dispatched future.
	OnDispatch func(ctx context.Context, f *Future)

	// OnError is called for errors that did not abort a tick.
	OnError func(ctx context.Context, err error)

	// Timing Configuration

	// TickInterval is the distance between ticks and the base of the
	// execution window. Default: 1 minute.
	TickInterval time.Duration

	// Lookahead extends the window past TickInterval to absorb trigger
	// drift. Default: 30 seconds.
	Lookahead time.Duration

	// DisableSelfTrigger keeps Start from scheduling ticks locally; ticks
	// then come only from Tick calls (e.g. the HTTP endpoint).
	DisableSelfTrigger bool

	// InitTimeout bounds the initialization of one tenant.
	// Default: 10 seconds.
	InitTimeout time.Duration

	// DefaultJobTimeout applies to tenants without their own timeout.
	// Default: 5 minutes.
	DefaultJobTimeout time.Duration

	// StoreTimeout bounds the status write after a job body returned.
	// Default: 30 seconds.
	StoreTimeout time.Duration

	// QueueConcurrency sizes the default queue. Default: 10.
	QueueConcurrency int
}

// TickResult describes one management tick.
type TickResult struct {
	TickID    string
	Now       time.Time
	WindowEnd time.Time

	// Tenant is the tenant whose jobs were dispatched, if any.
	Tenant     string
	Dispatched []*Future

	// Forwarded reports whether the peer trigger was called.
	Forwarded bool

	// Skipped counts job definitions rejected as invalid.
	Skipped int
}

// Scheduler discovers due jobs of all tenants, claims their fire-times and
// dispatches them.
type Scheduler struct {
	config     Config
	store      EntryStore
	registry   *Registry
	locks      *LockManager
	dispatcher *Dispatcher
	reconciler *Reconciler
	tenants    *tenantContexts
	logger     *zap.SugaredLogger
	ownQueue   *DelayQueue

	// State tracking
	running atomic.Bool
	ticks   atomic.Int64
	tickMu  sync.Mutex
	stopped bool // guarded by tickMu

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	runner   *cron.Cron
	stopOnce sync.Once
}

// New creates a new Scheduler with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Tenants == nil {
		return nil, errors.New("tenant registry is required")
	}
	if config.Executor == nil {
		return nil, errors.New("executor is required")
	}

	// Set defaults
	if config.TickInterval <= 0 {
		config.TickInterval = time.Minute
	}
	if config.Lookahead < 0 {
		return nil, errors.Newf("lookahead must not be negative, got %s", config.Lookahead)
	}
	if config.Lookahead == 0 {
		config.Lookahead = 30 * time.Second
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = 10 * time.Second
	}
	if config.DefaultJobTimeout <= 0 {
		config.DefaultJobTimeout = 5 * time.Minute
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 30 * time.Second
	}
	if config.QueueConcurrency <= 0 {
		config.QueueConcurrency = 10
	}
	if config.PodName == "" {
		config.PodName = PodNameFromEnv()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Identity == nil {
		config.Identity = DefaultIdentity
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}

	s := &Scheduler{
		config:   config,
		store:    config.Store,
		registry: config.Registry,
		locks:    NewLockManager(config.Store),
		logger:   config.Logger.Named("scheduler").With("pod", config.PodName),
	}
	if config.Queue == nil {
		s.ownQueue = NewDelayQueue(config.QueueConcurrency)
		s.config.Queue = s.ownQueue
	}
	s.dispatcher = &Dispatcher{
		queue:        s.config.Queue,
		locks:        s.locks,
		executor:     config.Executor,
		registry:     s.registry,
		clock:        config.Clock,
		storeTimeout: config.StoreTimeout,
		logger:       config.Logger.Named("dispatch").With("pod", config.PodName),
	}
	s.reconciler = NewReconciler(s.registry, s.locks, config.Logger.Named("shutdown").With("pod", config.PodName))
	s.tenants = newTenantContexts(config.Tenants, config.Identity, config.InitTimeout, config.DefaultJobTimeout)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Registry returns the registry of outstanding futures.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// PodName returns the lock owner name of this replica.
func (s *Scheduler) PodName() string {
	return s.config.PodName
}

// Ticks returns the number of completed ticks.
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

// IsRunning returns true between Start and Stop.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// ReloadTenant drops the cached settings of tenant; the next tick
// initializes it again.
func (s *Scheduler) ReloadTenant(tenant string) {
	s.tenants.forget(tenant)
}

// Start schedules local ticks every TickInterval unless DisableSelfTrigger
// is set. It's safe to call Start multiple times; subsequent calls are
// no-ops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.tickMu.Lock()
	stopped := s.stopped
	s.tickMu.Unlock()
	if stopped {
		return ErrStopped
	}

	// Only start once
	if s.running.Swap(true) {
		return nil
	}

	if s.config.OnStart != nil {
		if err := s.config.OnStart(ctx); err != nil {
			s.running.Store(false)
			return errors.Wrap(err, "OnStart handler failed")
		}
	}

	if !s.config.DisableSelfTrigger {
		cronLog := cron.PrintfLogger(zap.NewStdLog(s.logger.Desugar()))
		s.runner = cron.New(
			cron.WithLocation(s.config.Clock().Location()),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		)
		s.runner.Schedule(cron.Every(s.config.TickInterval), cron.FuncJob(s.selfTrigger))
		s.runner.Start()
	}

	s.logger.Infow("Scheduler started",
		"tick_interval", s.config.TickInterval,
		"lookahead", s.config.Lookahead,
		"self_trigger", !s.config.DisableSelfTrigger)
	return nil
}

func (s *Scheduler) selfTrigger() {
	if _, err := s.Tick(s.ctx); err != nil {
		s.logger.Warnw("Tick failed", "error", err)
	}
}

// Stop stops local ticks and settles outstanding futures: jobs that have
// not started are cancelled and their locks deleted, running jobs get until
// ctx expires to finish, and whatever is still running then is marked
// failed. Finally the default queue is closed. Ticks after Stop fail with
// ErrStopped. It's safe to call Stop multiple times, and it may be called
// without Start when ticks come from outside.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)

		if s.runner != nil {
			select {
			case <-s.runner.Stop().Done():
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		s.cancel()

		// Waits for a tick started by the HTTP endpoint; later ones are
		// refused.
		s.tickMu.Lock()
		s.stopped = true
		s.tickMu.Unlock()

		// Store writes outlive the grace period.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
		report := s.reconciler.CancelWaiting(storeCtx)
		cancel()

		graceErr := s.reconciler.Await(ctx)

		storeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
		report.merge(s.reconciler.FailRunning(storeCtx))
		cancel()

		if rErr := report.Err(); rErr != nil {
			s.handleError(ctx, rErr)
			err = errors.CombineErrors(err, rErr)
		}
		if graceErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(graceErr, "jobs still running at shutdown were marked failed"))
		}

		if s.ownQueue != nil {
			// After an expired grace period Close only cancels the
			// remaining task contexts.
			if qErr := s.ownQueue.Close(ctx); qErr != nil && graceErr == nil {
				err = errors.CombineErrors(err, errors.Wrap(qErr, "failed to drain task queue"))
			}
		}

		if s.config.OnStop != nil {
			if stopErr := s.config.OnStop(ctx); stopErr != nil {
				err = errors.CombineErrors(err, errors.Wrap(stopErr, "OnStop handler failed"))
			}
		}
		s.logger.Infow("Scheduler stopped",
			"cancelled", report.Cancelled,
			"failed", report.Failed)
	})
	return err
}

// Tick runs one management pass. It returns an error wrapping
// ErrStoreUnavailable, without side effects, when the store probe fails,
// and ErrStopped after Stop.
// Every other failure is confined to the tenant or definition it belongs
// to. After a tick that dispatched work the peer trigger is called once.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	result, err := s.tick(ctx)
	if err != nil {
		return result, err
	}
	if len(result.Dispatched) > 0 {
		s.forward(ctx, result)
	}
	return result, nil
}

func (s *Scheduler) tick(ctx context.Context) (*TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	result := &TickResult{TickID: uuid.NewString()}
	if s.stopped {
		return result, ErrStopped
	}
	log := s.logger.With("tick_id", result.TickID)

	if err := s.store.Ping(ctx); err != nil {
		log.Warnw("Store probe failed, skipping tick", "error", err)
		return result, errors.Mark(errors.Wrap(err, "store probe failed"), ErrStoreUnavailable)
	}

	result.Now = s.config.Clock()
	result.WindowEnd = Window(result.Now, s.config.TickInterval, s.config.Lookahead)

	tenants, err := s.config.Tenants.ListTenants(ctx, ActiveTenantStatuses...)
	if err != nil {
		return result, errors.Wrap(err, "failed to list tenants")
	}

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		dispatched := s.scanTenant(ctx, log.With("service", tenant), tenant, result)
		if len(dispatched) > 0 {
			// Leave the remaining tenants to the next tick, here or on a peer.
			result.Tenant = tenant
			result.Dispatched = dispatched
			break
		}
	}

	s.ticks.Add(1)
	log.Debugw("Tick finished",
		"window_end", result.WindowEnd.Format(time.RFC3339),
		"tenants", len(tenants),
		"dispatched", len(result.Dispatched),
		"skipped", result.Skipped)
	return result, nil
}

// scanTenant walks the job definitions of one tenant and dispatches the
// first due fire-time of each one it can claim.
func (s *Scheduler) scanTenant(ctx context.Context, log *zap.SugaredLogger, tenant string, result *TickResult) []*Future {
	tc, err := s.tenants.get(ctx, tenant)
	if err != nil {
		log.Warnw("Failed to initialize tenant", "error", err)
		s.handleError(ctx, err)
		return nil
	}

	props, err := s.config.Tenants.JobProperties(ctx, tenant)
	if err != nil {
		log.Warnw("Failed to load job definitions", "error", err)
		s.handleError(ctx, err)
		return nil
	}

	var dispatched []*Future
	for _, prop := range sortedJobProperties(props) {
		def, err := ParseJobDefinition(prop.key, prop.value)
		if err != nil {
			result.Skipped++
			log.Warnw("Skipping job definition", "property", prop.key, "error", err)
			continue
		}

		due, err := def.Due(result.Now, result.WindowEnd)
		if err != nil {
			result.Skipped++
			log.Warnw("Skipping job definition", "job", def.Name, "schedule", def.ScheduleString(), "error", err)
			continue
		}
		if len(due) == 0 {
			continue
		}

		// One fire-time per definition per tick, even when the window
		// holds more.
		fireTimestamp := due[0]
		rec, acquired, err := s.locks.TryAcquire(ctx, tenant, def.Name, fireTimestamp, s.config.PodName)
		if err != nil {
			log.Errorw("Failed to acquire job lock", "job", def.Name, "fire_at", fireTimestamp, "error", err)
			s.handleError(ctx, err)
			continue
		}
		if !acquired {
			log.Debugw("Fire-time already claimed", "job", def.Name, "fire_at", fireTimestamp)
			continue
		}

		f, err := s.dispatcher.Dispatch(ctx, tc, def, fireTimestamp, rec)
		if err != nil {
			log.Errorw("Failed to dispatch job", "job", def.Name, "fire_at", fireTimestamp, "error", err)
			s.handleError(ctx, err)
			continue
		}
		dispatched = append(dispatched, f)
		if s.config.OnDispatch != nil {
			s.config.OnDispatch(ctx, f)
		}
	}
	return dispatched
}

// forward asks a peer to run the next tick. Failures are only logged.
func (s *Scheduler) forward(ctx context.Context, result *TickResult) {
	if s.config.PeerTrigger == nil {
		return
	}
	result.Forwarded = true
	if err := s.config.PeerTrigger.Trigger(ctx); err != nil {
		s.logger.Warnw("Peer trigger failed", "tick_id", result.TickID, "error", err)
	}
}

// handleError calls the OnError handler if configured.
func (s *Scheduler) handleError(ctx context.Context, err error) {
	if s.config.OnError != nil {
		s.config.OnError(ctx, err)
	}
}

// String implements fmt.Stringer.
func (s *Scheduler) String() string {
	return fmt.Sprintf("batchjob.Scheduler(pod=%s, interval=%s)", s.config.PodName, s.config.TickInterval)
}
