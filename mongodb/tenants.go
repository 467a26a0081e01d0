package mongodb

import (
	"context"
	"strings"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TenantsConfig holds the configuration for the MongoDB tenant registry.
type TenantsConfig struct {
	// Collection holds one document per tenant. Required.
	Collection *mongo.Collection
}

// Tenants implements batchjob.TenantRegistry for MongoDB.
//
// Tenant documents look like:
//
//	{
//	  "_id": "acme",
//	  "status": "production",
//	  "jobTimeoutSeconds": 120,
//	  "properties": [{"key": "batchjob.job.cleanup", "value": "0 3 * * * /jobs/cleanup"}]
//	}
//
// Properties are stored as a list because their keys contain dots.
type Tenants struct {
	collection *mongo.Collection
}

// TenantDocument is the stored shape of a tenant.
type TenantDocument struct {
	Name              string     `bson:"_id"`
	Status            string     `bson:"status"`
	JobTimeoutSeconds int        `bson:"jobTimeoutSeconds,omitempty"`
	Properties        []Property `bson:"properties,omitempty"`
}

// Property is one tenant configuration pair.
type Property struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// NewTenants creates a tenant registry over config.Collection.
func NewTenants(config TenantsConfig) (*Tenants, error) {
	if config.Collection == nil {
		return nil, errors.New("collection is required")
	}
	return &Tenants{collection: config.Collection}, nil
}

// Upsert stores doc, replacing any tenant with the same name.
func (t *Tenants) Upsert(ctx context.Context, doc TenantDocument) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := t.collection.ReplaceOne(ctx, bson.M{"_id": doc.Name}, doc, opts); err != nil {
		return errors.Wrapf(err, "failed to upsert tenant %s", doc.Name)
	}
	return nil
}

// ListTenants implements batchjob.TenantRegistry. Tenants are listed by
// name.
func (t *Tenants) ListTenants(ctx context.Context, statuses ...batchjob.TenantStatus) ([]string, error) {
	in := make([]string, len(statuses))
	for i, s := range statuses {
		in[i] = string(s)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	cursor, err := t.collection.Find(ctx, bson.M{"status": bson.M{"$in": in}}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find tenants failed")
	}
	defer cursor.Close(ctx)

	var names []string
	for cursor.Next(ctx) {
		var doc TenantDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to decode tenant")
		}
		names = append(names, doc.Name)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "tenant cursor failed")
	}
	return names, nil
}

func (t *Tenants) load(ctx context.Context, name string) (*TenantDocument, error) {
	var doc TenantDocument
	if err := t.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Newf("unknown tenant %q", name)
		}
		return nil, errors.Wrapf(err, "failed to load tenant %s", name)
	}
	return &doc, nil
}

// JobProperties implements batchjob.TenantRegistry.
func (t *Tenants) JobProperties(ctx context.Context, name string) (map[string]string, error) {
	doc, err := t.load(ctx, name)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, p := range doc.Properties {
		if strings.HasPrefix(p.Key, batchjob.JobPropertyPrefix) {
			props[p.Key] = p.Value
		}
	}
	return props, nil
}

// Settings implements batchjob.TenantRegistry.
func (t *Tenants) Settings(ctx context.Context, name string) (batchjob.TenantSettings, error) {
	doc, err := t.load(ctx, name)
	if err != nil {
		return batchjob.TenantSettings{}, err
	}
	return batchjob.TenantSettings{
		JobTimeout: time.Duration(doc.JobTimeoutSeconds) * time.Second,
	}, nil
}
