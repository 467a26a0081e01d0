package batchjob

import "github.com/cockroachdb/errors"

// Sentinel errors. Wrap them with errors.Wrap to add context and test with
// errors.Is.
var (
	// ErrInvalidSchedule is returned when a job definition or one of its
	// schedule fields cannot be used. Only that definition is skipped.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrDuplicateKey is returned by EntryStore.Post when an entry with the
	// same tenant and URI already exists. For lock records it means another
	// pod claimed the fire-time.
	ErrDuplicateKey = errors.New("entry already exists")

	// ErrRevisionConflict is returned by conditional updates and deletes when
	// the stored revision no longer matches.
	ErrRevisionConflict = errors.New("entry revision conflict")

	// ErrStoreUnavailable aborts a whole tick before any side effect.
	ErrStoreUnavailable = errors.New("entry store unavailable")

	// ErrExecutorFailure marks a job body that failed or timed out.
	ErrExecutorFailure = errors.New("job execution failed")

	// ErrReconciliation wraps store failures seen during shutdown.
	ErrReconciliation = errors.New("shutdown reconciliation failed")

	// ErrQueueClosed is returned by Submit after the queue was closed.
	ErrQueueClosed = errors.New("task queue closed")

	// ErrAlreadyTerminal is returned for a status change of a lock record
	// that already reached succeeded, failed or not_executed.
	ErrAlreadyTerminal = errors.New("lock record already terminal")

	// ErrStopped is returned by Tick and Start once Stop was called.
	ErrStopped = errors.New("scheduler stopped")
)

func invalidSchedulef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidSchedule, format, args...)
}
