package commands

import (
	"context"
	"strings"

	"github.com/DEEJ4Y/batchjob"
	"github.com/DEEJ4Y/batchjob/internal/config"
	"github.com/DEEJ4Y/batchjob/memory"
	"github.com/DEEJ4Y/batchjob/mongodb"
	"github.com/DEEJ4Y/batchjob/sqlite"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// backend bundles the entry store and tenant registry of one driver.
type backend struct {
	store   batchjob.EntryStore
	tenants batchjob.TenantRegistry
	seed    func(ctx context.Context, t config.TenantSeed) error
	close   func(ctx context.Context) error
}

// openBackend connects the configured driver and seeds the tenants
// declared in the configuration.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*backend, error) {
	var (
		b   *backend
		err error
	)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		b = openMemory()
	case config.DriverMongoDB:
		b, err = openMongoDB(ctx, cfg.Store.MongoDB)
	case config.DriverSQLite:
		b, err = openSQLite(ctx, cfg.Store.SQLite)
	default:
		err = errors.Newf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	for _, t := range cfg.Tenants {
		if err := b.seed(ctx, t); err != nil {
			_ = b.close(ctx)
			return nil, errors.Wrapf(err, "failed to seed tenant %s", t.Name)
		}
		logger.Infow("Seeded tenant", "tenant", t.Name, "jobs", len(t.Jobs))
	}
	return b, nil
}

func seedStatus(t config.TenantSeed) batchjob.TenantStatus {
	if t.Status == "" {
		return batchjob.TenantProduction
	}
	return batchjob.TenantStatus(strings.ToLower(t.Status))
}

func openMemory() *backend {
	store := memory.NewStore()
	tenants := memory.NewTenants()
	return &backend{
		store:   store,
		tenants: tenants,
		seed: func(_ context.Context, t config.TenantSeed) error {
			tenants.Add(t.Name, seedStatus(t))
			for job, value := range t.Jobs {
				if err := tenants.SetJob(t.Name, job, value); err != nil {
					return err
				}
			}
			return tenants.SetSettings(t.Name, batchjob.TenantSettings{JobTimeout: t.JobTimeout})
		},
		close: func(context.Context) error { return nil },
	}
}

func openMongoDB(ctx context.Context, cfg config.MongoDBConfig) (*backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping mongodb")
	}

	db := client.Database(cfg.Database)
	store, err := mongodb.NewStore(mongodb.Config{Collection: db.Collection(cfg.EntriesCollection)})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	tenants, err := mongodb.NewTenants(mongodb.TenantsConfig{Collection: db.Collection(cfg.TenantsCollection)})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return &backend{
		store:   store,
		tenants: tenants,
		seed: func(ctx context.Context, t config.TenantSeed) error {
			doc := mongodb.TenantDocument{
				Name:              t.Name,
				Status:            string(seedStatus(t)),
				JobTimeoutSeconds: int(t.JobTimeout.Seconds()),
			}
			for job, value := range t.Jobs {
				doc.Properties = append(doc.Properties, mongodb.Property{Key: batchjob.JobPropertyPrefix + job, Value: value})
			}
			return tenants.Upsert(ctx, doc)
		},
		close: client.Disconnect,
	}, nil
}

func openSQLite(ctx context.Context, cfg config.SQLiteConfig) (*backend, error) {
	db, err := sqlite.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	tenants := sqlite.NewTenants(db)
	return &backend{
		store:   sqlite.NewStore(db),
		tenants: tenants,
		seed: func(ctx context.Context, t config.TenantSeed) error {
			if err := tenants.Upsert(ctx, t.Name, seedStatus(t), t.JobTimeout); err != nil {
				return err
			}
			for job, value := range t.Jobs {
				if err := tenants.SetProperty(ctx, t.Name, batchjob.JobPropertyPrefix+job, value); err != nil {
					return err
				}
			}
			return nil
		},
		close: func(context.Context) error { return db.Close() },
	}, nil
}
