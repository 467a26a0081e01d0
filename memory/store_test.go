package memory

import (
	"context"
	"testing"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))

		store.SetPingError(errors.New("down"))
		assert.True(t, errors.Is(store.Ping(ctx), batchjob.ErrStoreUnavailable))

		store.SetPingError(nil)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("post assigns server fields", func(t *testing.T) {
		stored, err := store.Post(ctx, &batchjob.Entry{Tenant: "acme", URI: "/a", Status: batchjob.StatusWaiting, Owner: "pod-a"})
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ID)
		assert.Equal(t, "pod-a", stored.Author)
		assert.EqualValues(t, 1, stored.Revision)
		assert.False(t, stored.Created.IsZero())

		_, err = store.Post(ctx, &batchjob.Entry{Tenant: "acme", URI: "/a"})
		assert.True(t, errors.Is(err, batchjob.ErrDuplicateKey))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("returned entries are copies", func(t *testing.T) {
		got, err := store.Get(ctx, "acme", "/a")
		require.NoError(t, err)
		got.Status = batchjob.StatusFailed

		again, err := store.Get(ctx, "acme", "/a")
		require.NoError(t, err)
		assert.Equal(t, batchjob.StatusWaiting, again.Status)
	})

	t.Run("conditional put", func(t *testing.T) {
		current, err := store.Get(ctx, "acme", "/a")
		require.NoError(t, err)

		current.Status = batchjob.StatusRunning
		updated, err := store.Put(ctx, current)
		require.NoError(t, err)
		assert.EqualValues(t, 2, updated.Revision)

		_, err = store.Put(ctx, current)
		assert.True(t, errors.Is(err, batchjob.ErrRevisionConflict))

		_, err = store.Put(ctx, &batchjob.Entry{Tenant: "acme", URI: "/missing"})
		assert.True(t, errors.Is(err, batchjob.ErrRevisionConflict))
	})

	t.Run("conditional delete", func(t *testing.T) {
		assert.True(t, errors.Is(store.Delete(ctx, "acme", "/a", 1), batchjob.ErrRevisionConflict))
		require.NoError(t, store.Delete(ctx, "acme", "/a", 2))
		assert.True(t, errors.Is(store.Delete(ctx, "acme", "/a", 2), batchjob.ErrRevisionConflict))
		assert.Zero(t, store.Len())
	})
}

func TestTenants(t *testing.T) {
	ctx := context.Background()
	tenants := NewTenants()

	tenants.Add("globex", batchjob.TenantStaging)
	tenants.Add("acme", batchjob.TenantProduction)
	tenants.Add("gone", batchjob.TenantDeleted)
	require.NoError(t, tenants.SetJob("acme", "cleanup", "0 3 * * * /jobs/cleanup"))
	require.NoError(t, tenants.SetProperty("acme", "ui.theme", "dark"))
	require.NoError(t, tenants.SetSettings("acme", batchjob.TenantSettings{JobTimeout: 42}))

	names, err := tenants.ListTenants(ctx, batchjob.ActiveTenantStatuses...)
	require.NoError(t, err)
	assert.Equal(t, []string{"globex", "acme"}, names, "insertion order")

	props, err := tenants.JobProperties(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"batchjob.job.cleanup": "0 3 * * * /jobs/cleanup"}, props)

	settings, err := tenants.Settings(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 42, settings.JobTimeout)

	// Re-adding updates the status in place.
	tenants.Add("globex", batchjob.TenantBlocked)
	names, err = tenants.ListTenants(ctx, batchjob.TenantBlocked)
	require.NoError(t, err)
	assert.Equal(t, []string{"globex"}, names)

	assert.Error(t, tenants.SetJob("initech", "x", "0 * * * * /x"))
	_, err = tenants.JobProperties(ctx, "initech")
	assert.Error(t, err)
}
