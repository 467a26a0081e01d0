package batchjob

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockURI(t *testing.T) {
	assert.Equal(t, "/_batchjob/cleanup/202401151400", LockURI("cleanup", "202401151400"))
}

func TestLockManager_TryAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("creates folders and waiting record", func(t *testing.T) {
		store := NewMockStore()
		locks := NewLockManager(store)

		rec, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, "acme", rec.Tenant)
		assert.Equal(t, "cleanup", rec.JobName)
		assert.Equal(t, "202401151400", rec.FireTimestamp)
		assert.Equal(t, "/_batchjob/cleanup/202401151400", rec.URI)
		assert.Equal(t, "pod-a", rec.Owner)
		assert.Equal(t, StatusWaiting, rec.Status())
		assert.EqualValues(t, 1, rec.Revision())
		assert.Equal(t, "pod-a", rec.Snapshot().Author)

		assert.NotNil(t, store.Entry("acme", "/_batchjob"))
		assert.NotNil(t, store.Entry("acme", "/_batchjob/cleanup"))
		assert.Equal(t, StatusWaiting, store.Entry("acme", rec.URI).Status)
	})

	t.Run("second claim is refused without error", func(t *testing.T) {
		store := NewMockStore()
		locks := NewLockManager(store)

		_, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		require.True(t, ok)

		rec, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-b")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, rec)
		assert.Equal(t, "pod-a", store.Entry("acme", "/_batchjob/cleanup/202401151400").Owner)
	})

	t.Run("lost race is refused without error", func(t *testing.T) {
		store := NewMockStore()
		store.failPost = func(e *Entry) error {
			if e.Status == StatusWaiting {
				return errors.Wrap(ErrDuplicateKey, "raced")
			}
			return nil
		}

		_, ok, err := NewLockManager(store).TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("existing folders are reused", func(t *testing.T) {
		store := NewMockStore()
		locks := NewLockManager(store)

		_, _, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		posts := store.posts

		_, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151500", "pod-a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, posts+1, store.posts, "only the record itself is posted")
	})

	t.Run("folder created by a peer in between", func(t *testing.T) {
		store := NewMockStore()
		store.failPost = func(e *Entry) error {
			if e.URI == LockFolder {
				return ErrDuplicateKey
			}
			return nil
		}

		_, ok, err := NewLockManager(store).TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("store failure is an error", func(t *testing.T) {
		store := NewMockStore()
		store.failPost = func(e *Entry) error { return errors.New("disk full") }

		_, ok, err := NewLockManager(store).TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.Error(t, err)
		assert.False(t, ok)
		assert.False(t, errors.Is(err, ErrDuplicateKey))
	})

	t.Run("tenants are independent", func(t *testing.T) {
		store := NewMockStore()
		locks := NewLockManager(store)

		_, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = locks.TryAcquire(ctx, "globex", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLockManager_Transitions(t *testing.T) {
	ctx := context.Background()

	acquire := func(t *testing.T) (*MockStore, *LockManager, *LockRecord) {
		store := NewMockStore()
		locks := NewLockManager(store)
		rec, ok, err := locks.TryAcquire(ctx, "acme", "cleanup", "202401151400", "pod-a")
		require.NoError(t, err)
		require.True(t, ok)
		return store, locks, rec
	}

	t.Run("waiting to running to succeeded", func(t *testing.T) {
		store, locks, rec := acquire(t)

		require.NoError(t, locks.MarkRunning(ctx, rec))
		assert.Equal(t, StatusRunning, rec.Status())
		assert.EqualValues(t, 2, rec.Revision())

		require.NoError(t, locks.MarkTerminal(ctx, rec, StatusSucceeded))
		assert.Equal(t, StatusSucceeded, rec.Status())
		assert.EqualValues(t, 3, rec.Revision())
		assert.Equal(t, StatusSucceeded, store.Entry("acme", rec.URI).Status)
	})

	t.Run("terminal status must be succeeded or failed", func(t *testing.T) {
		_, locks, rec := acquire(t)

		assert.Error(t, locks.MarkTerminal(ctx, rec, StatusRunning))
		assert.Error(t, locks.MarkTerminal(ctx, rec, StatusNotExecuted))
		assert.Equal(t, StatusWaiting, rec.Status())
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		store, locks, rec := acquire(t)

		other := *store.Entry("acme", rec.URI)
		other.Status = StatusFailed
		_, err := store.Put(ctx, &other)
		require.NoError(t, err)

		err = locks.MarkRunning(ctx, rec)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRevisionConflict))
		assert.Equal(t, StatusWaiting, rec.Status(), "record is untouched on failure")
	})

	t.Run("terminal records do not change", func(t *testing.T) {
		store, locks, rec := acquire(t)

		require.NoError(t, locks.MarkRunning(ctx, rec))
		require.NoError(t, locks.MarkTerminal(ctx, rec, StatusFailed))
		revision := rec.Revision()

		err := locks.MarkTerminal(ctx, rec, StatusSucceeded)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAlreadyTerminal))
		assert.True(t, errors.Is(locks.MarkRunning(ctx, rec), ErrAlreadyTerminal))

		assert.Equal(t, StatusFailed, rec.Status())
		assert.Equal(t, revision, rec.Revision())
		assert.Equal(t, StatusFailed, store.Entry("acme", rec.URI).Status)
	})

	t.Run("release deletes the record", func(t *testing.T) {
		store, locks, rec := acquire(t)

		require.NoError(t, locks.Release(ctx, rec))
		assert.Equal(t, StatusNotExecuted, rec.Status())
		assert.Nil(t, store.Entry("acme", rec.URI))
		assert.NotNil(t, store.Entry("acme", "/_batchjob/cleanup"), "folders stay")
	})

	t.Run("release failure keeps status", func(t *testing.T) {
		store, locks, rec := acquire(t)
		store.deleteErr = errors.New("unavailable")

		require.Error(t, locks.Release(ctx, rec))
		assert.Equal(t, StatusWaiting, rec.Status())
	})
}

func TestLockRecord_SharedUpdates(t *testing.T) {
	store := NewMockStore()
	locks := NewLockManager(store)
	rec, _, err := locks.TryAcquire(context.Background(), "acme", "cleanup", "202401151400", "pod-a")
	require.NoError(t, err)

	// A second holder of the pointer sees every update.
	held := rec
	require.NoError(t, locks.MarkRunning(context.Background(), rec))
	assert.Equal(t, StatusRunning, held.Status())
	assert.Equal(t, store.Entry("acme", rec.URI).Revision, held.Revision())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusNotExecuted.Terminal())
}
