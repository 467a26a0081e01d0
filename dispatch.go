package batchjob

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Dispatcher submits job bodies for acquired fire-times and records their
// futures.
type Dispatcher struct {
	queue        TaskQueue
	locks        *LockManager
	executor     Executor
	registry     *Registry
	clock        func() time.Time
	storeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// Dispatch computes the delay until fireTimestamp, submits the job body with
// the tenant's identity and registers the future. When submission fails the
// lock is released again so the fire-time is not stranded.
func (d *Dispatcher) Dispatch(ctx context.Context, tc *tenantContext, def JobDefinition, fireTimestamp string, rec *LockRecord) (*Future, error) {
	now := d.clock()
	fireAt, err := FireTime(fireTimestamp, now.Location())
	if err != nil {
		return nil, err
	}
	delay := fireAt.Sub(now).Truncate(time.Millisecond)
	if delay < 0 {
		delay = 0
	}

	handle, err := d.queue.Submit(d.task(tc, def, rec), delay, tc.Identity)
	if err != nil {
		if relErr := d.locks.Release(ctx, rec); relErr != nil {
			err = errors.WithSecondaryError(err, relErr)
		}
		return nil, errors.Wrapf(err, "failed to submit %s at %s", def.Name, fireTimestamp)
	}

	f := &Future{
		Tenant:      tc.Tenant,
		JobName:     def.Name,
		TargetRef:   def.TargetRef,
		Lock:        rec,
		Handle:      handle,
		ScheduledAt: fireAt,
		Delay:       delay,
		Identity:    tc.Identity,
	}
	d.registry.Add(f)

	d.logger.Infow("Job dispatched",
		"service", tc.Tenant,
		"job", def.Name,
		"target", def.TargetRef,
		"fire_at", fireTimestamp,
		"delay_ms", delay.Milliseconds())
	return f, nil
}

// task wraps the job body with the lock transitions. The body runs only
// after the record is marked running; the terminal status is written on
// every path out, including timeouts and panics.
func (d *Dispatcher) task(tc *tenantContext, def JobDefinition, rec *LockRecord) Task {
	return func(ctx context.Context) error {
		log := d.logger.With("service", tc.Tenant, "job", def.Name, "fire_at", rec.FireTimestamp)

		if err := d.locks.MarkRunning(ctx, rec); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				log.Warnw("Job settled before it started, not executing", "recorded", rec.Status())
				return err
			}
			log.Errorw("Failed to mark job running, not executing", "error", err)
			d.finish(ctx, rec, StatusFailed, log)
			return errors.Mark(err, ErrExecutorFailure)
		}

		status := StatusFailed
		defer func() {
			d.finish(ctx, rec, status, log)
		}()

		start := d.clock()
		if err := d.execute(ctx, tc, def); err != nil {
			log.Warnw("Job failed",
				"target", def.TargetRef,
				"duration_ms", d.clock().Sub(start).Milliseconds(),
				"error", err)
			return errors.Mark(err, ErrExecutorFailure)
		}

		status = StatusSucceeded
		log.Infow("Job succeeded",
			"target", def.TargetRef,
			"duration_ms", d.clock().Sub(start).Milliseconds())
		return nil
	}
}

// execute runs the executor under the tenant timeout. An executor that
// ignores its context is abandoned once the timeout passes.
func (d *Dispatcher) execute(ctx context.Context, tc *tenantContext, def JobDefinition) error {
	timeout := tc.Settings.JobTimeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- errors.Newf("job body panicked: %v", r)
			}
		}()
		errc <- d.executor.Execute(execCtx, def.TargetRef, tc.Identity, timeout)
	}()

	select {
	case err := <-errc:
		return err
	case <-execCtx.Done():
		return errors.Wrapf(execCtx.Err(), "job %s did not finish within %s", def.Name, timeout)
	}
}

// finish writes the terminal status. It uses its own deadline because the
// task context may already be cancelled.
func (d *Dispatcher) finish(ctx context.Context, rec *LockRecord, status Status, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	defer cancel()

	err := d.locks.MarkTerminal(ctx, rec, status)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyTerminal):
		// Shutdown settled the record while the body was still running.
		log.Warnw("Job status already settled, dropping result",
			"status", status, "recorded", rec.Status())
	default:
		log.Errorw("Failed to record job status", "status", status, "error", err)
	}
}
