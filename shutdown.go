package batchjob

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ReconcileReport summarizes one shutdown sweep over the registry.
type ReconcileReport struct {
	// Cancelled futures never started; their lock records were deleted.
	Cancelled int
	// Failed futures were still running, or had started when they were
	// cancelled, and were marked failed.
	Failed int
	// Ignored futures were already terminal.
	Ignored int
	// Errors holds the store failures met on the way. None of them stopped
	// the sweep.
	Errors []error
}

func (r *ReconcileReport) merge(other ReconcileReport) {
	r.Cancelled += other.Cancelled
	r.Failed += other.Failed
	r.Ignored += other.Ignored
	r.Errors = append(r.Errors, other.Errors...)
}

// Err combines Errors into one error, or nil.
func (r ReconcileReport) Err() error {
	var combined error
	for _, err := range r.Errors {
		combined = errors.CombineErrors(combined, err)
	}
	return combined
}

// Reconciler settles every outstanding future when the process stops.
type Reconciler struct {
	registry *Registry
	locks    *LockManager
	logger   *zap.SugaredLogger
}

// NewReconciler creates a Reconciler over registry.
func NewReconciler(registry *Registry, locks *LockManager, logger *zap.SugaredLogger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconciler{registry: registry, locks: locks, logger: logger}
}

// Reconcile settles every outstanding future at once: futures that have not
// started are cancelled and their lock records deleted, the others are
// marked failed. It gives running jobs no time to finish; Scheduler.Stop
// runs CancelWaiting, Await and FailRunning instead.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileReport {
	report := r.CancelWaiting(ctx)
	report.merge(r.FailRunning(ctx))
	return report
}

// CancelWaiting cancels futures that have not started and deletes their
// lock records. A waiting future whose task already picked it up is left
// for FailRunning.
func (r *Reconciler) CancelWaiting(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	for _, tenant := range r.registry.Tenants() {
		for _, f := range r.registry.Futures(tenant) {
			if f.Status() != StatusWaiting || !f.Handle.Cancel(false) {
				continue
			}
			log := r.futureLogger(f)
			if err := r.locks.Release(ctx, f.Lock); err != nil {
				report.Errors = append(report.Errors, errors.Mark(err, ErrReconciliation))
				log.Errorw("Failed to delete lock of cancelled job", "error", err)
			} else {
				report.Cancelled++
				log.Infow("Cancelled job that had not started")
			}
			r.registry.Remove(f)
		}
	}

	r.logger.Infow("Cancelled waiting jobs",
		"cancelled", report.Cancelled,
		"errors", len(report.Errors))
	return report
}

// Await blocks until every non-terminal future's task is done or ctx
// expires, and returns ctx.Err() in the latter case.
func (r *Reconciler) Await(ctx context.Context) error {
	for _, tenant := range r.registry.Tenants() {
		for _, f := range r.registry.Futures(tenant) {
			if f.Status().Terminal() {
				continue
			}
			select {
			case <-f.Handle.Done():
			case <-ctx.Done():
				r.logger.Warnw("Grace period expired with jobs still running", "error", ctx.Err())
				return ctx.Err()
			}
		}
	}
	return nil
}

// FailRunning marks every future that is not terminal as failed so no
// record stays running forever. Terminal futures are left alone.
func (r *Reconciler) FailRunning(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	for _, tenant := range r.registry.Tenants() {
		for _, f := range r.registry.Futures(tenant) {
			if f.Status().Terminal() {
				report.Ignored++
				continue
			}
			log := r.futureLogger(f)
			err := r.locks.MarkTerminal(ctx, f.Lock, StatusFailed)
			switch {
			case err == nil:
				report.Failed++
				log.Warnw("Marked running job failed at shutdown")
			case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrRevisionConflict) && f.Status().Terminal():
				// The task recorded its own result first.
				report.Ignored++
			default:
				report.Errors = append(report.Errors, errors.Mark(err, ErrReconciliation))
				log.Errorw("Failed to mark running job failed", "error", err)
			}
		}
	}

	r.logger.Infow("Shutdown reconciliation finished",
		"failed", report.Failed,
		"ignored", report.Ignored,
		"errors", len(report.Errors))
	return report
}

func (r *Reconciler) futureLogger(f *Future) *zap.SugaredLogger {
	return r.logger.With("service", f.Tenant, "job", f.JobName, "fire_at", f.Lock.FireTimestamp)
}
