package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenants(t *testing.T) {
	ctx := context.Background()
	tenants := NewTenants(openTestDB(t))

	require.NoError(t, tenants.Upsert(ctx, "globex", batchjob.TenantStaging, 2*time.Minute))
	require.NoError(t, tenants.Upsert(ctx, "acme", batchjob.TenantCreating, 0))
	require.NoError(t, tenants.Upsert(ctx, "acme", batchjob.TenantProduction, 0))
	require.NoError(t, tenants.Upsert(ctx, "gone", batchjob.TenantDeleted, 0))

	require.NoError(t, tenants.SetProperty(ctx, "globex", batchjob.JobPropertyPrefix+"cleanup", "0 3 * * * /jobs/old"))
	require.NoError(t, tenants.SetProperty(ctx, "globex", batchjob.JobPropertyPrefix+"cleanup", "0 4 * * * /jobs/cleanup"))
	require.NoError(t, tenants.SetProperty(ctx, "globex", "ui.theme", "dark"))

	t.Run("lists active tenants by name", func(t *testing.T) {
		names, err := tenants.ListTenants(ctx, batchjob.ActiveTenantStatuses...)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, names)

		names, err = tenants.ListTenants(ctx, batchjob.TenantDeleted)
		require.NoError(t, err)
		assert.Equal(t, []string{"gone"}, names)

		names, err = tenants.ListTenants(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("job properties only", func(t *testing.T) {
		props, err := tenants.JobProperties(ctx, "globex")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"batchjob.job.cleanup": "0 4 * * * /jobs/cleanup"}, props)

		props, err = tenants.JobProperties(ctx, "acme")
		require.NoError(t, err)
		assert.Empty(t, props)
	})

	t.Run("settings", func(t *testing.T) {
		settings, err := tenants.Settings(ctx, "globex")
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, settings.JobTimeout)

		_, err = tenants.Settings(ctx, "initech")
		assert.Error(t, err)
	})
}

func TestScheduler_OnSQLite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tenants := NewTenants(db)
	require.NoError(t, tenants.Upsert(ctx, "acme", batchjob.TenantProduction, time.Second))
	require.NoError(t, tenants.SetProperty(ctx, "acme", batchjob.JobPropertyPrefix+"hourly", "0 * * * * /jobs/hourly"))

	ran := make(chan batchjob.Identity, 1)
	sched, err := batchjob.New(batchjob.Config{
		Store:   NewStore(db),
		Tenants: tenants,
		Executor: batchjob.ExecutorFunc(func(ctx context.Context, targetRef string, id batchjob.Identity, timeout time.Duration) error {
			ran <- id
			return nil
		}),
		PodName:            "pod-a",
		Clock:              func() time.Time { return time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC) },
		DisableSelfTrigger: true,
	})
	require.NoError(t, err)

	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, result.Dispatched, 1)

	select {
	case id := <-ran:
		assert.Equal(t, "acme", id.Tenant)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	require.Eventually(t, func() bool {
		return result.Dispatched[0].Status() == batchjob.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop(ctx))
}
