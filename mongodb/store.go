// Package mongodb implements the batchjob store and tenant registry on
// MongoDB. Lock records rely on the uniqueness of _id: inserting the same
// tenant/URI twice fails with a duplicate key error on every pod but one.
package mongodb

import (
	"context"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the configuration for the MongoDB entry store.
type Config struct {
	// Collection is the MongoDB collection where entries are stored.
	// Required.
	Collection *mongo.Collection
}

// Store implements batchjob.EntryStore for MongoDB.
type Store struct {
	collection *mongo.Collection
	now        func() time.Time
}

// entryDocument is the stored shape of a batchjob.Entry.
type entryDocument struct {
	Key      string    `bson:"_id"`
	EntryID  string    `bson:"entryId"`
	Tenant   string    `bson:"tenant"`
	URI      string    `bson:"uri"`
	Status   string    `bson:"status,omitempty"`
	Owner    string    `bson:"owner,omitempty"`
	Author   string    `bson:"author,omitempty"`
	Revision int64     `bson:"revision"`
	Created  time.Time `bson:"created"`
	Updated  time.Time `bson:"updated"`
}

// NewStore creates a new MongoDB entry store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Collection == nil {
		return nil, errors.New("collection is required")
	}
	return &Store{
		collection: config.Collection,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

func documentKey(tenant, uri string) string {
	return tenant + ":" + uri
}

// EnsureIndexes creates the secondary index used to inspect lock records by
// status.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "status", Value: 1}},
		Options: options.Index().SetSparse(true),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		return errors.Wrap(err, "failed to create index")
	}
	return nil
}

// Ping implements batchjob.EntryStore.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return errors.Mark(errors.Wrap(err, "ping failed"), batchjob.ErrStoreUnavailable)
	}
	return nil
}

// Get implements batchjob.EntryStore.
func (s *Store) Get(ctx context.Context, tenant, uri string) (*batchjob.Entry, error) {
	var doc entryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": documentKey(tenant, uri)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "findOne failed")
	}
	return doc.entry(), nil
}

// Post implements batchjob.EntryStore.
func (s *Store) Post(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	now := s.now()
	doc := entryDocument{
		Key:      documentKey(entry.Tenant, entry.URI),
		EntryID:  primitive.NewObjectID().Hex(),
		Tenant:   entry.Tenant,
		URI:      entry.URI,
		Status:   string(entry.Status),
		Owner:    entry.Owner,
		Author:   entry.Owner,
		Revision: 1,
		Created:  now,
		Updated:  now,
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Wrapf(batchjob.ErrDuplicateKey, "%s", doc.Key)
		}
		return nil, errors.Wrap(err, "insertOne failed")
	}
	return doc.entry(), nil
}

// Put implements batchjob.EntryStore.
func (s *Store) Put(ctx context.Context, entry *batchjob.Entry) (*batchjob.Entry, error) {
	filter := bson.M{
		"_id":      documentKey(entry.Tenant, entry.URI),
		"revision": entry.Revision,
	}
	update := bson.M{
		"$set": bson.M{
			"status":  string(entry.Status),
			"owner":   entry.Owner,
			"author":  entry.Owner,
			"updated": s.now(),
		},
		"$inc": bson.M{"revision": 1},
	}

	// Options: return document after update
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After)

	var doc entryDocument
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(batchjob.ErrRevisionConflict, "%s at revision %d",
				documentKey(entry.Tenant, entry.URI), entry.Revision)
		}
		return nil, errors.Wrap(err, "findOneAndUpdate failed")
	}
	return doc.entry(), nil
}

// Delete implements batchjob.EntryStore.
func (s *Store) Delete(ctx context.Context, tenant, uri string, revision int64) error {
	filter := bson.M{"_id": documentKey(tenant, uri), "revision": revision}

	result, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "delete failed")
	}
	if result.DeletedCount == 0 {
		return errors.Wrapf(batchjob.ErrRevisionConflict, "%s at revision %d", documentKey(tenant, uri), revision)
	}
	return nil
}

func (d *entryDocument) entry() *batchjob.Entry {
	return &batchjob.Entry{
		Tenant:   d.Tenant,
		URI:      d.URI,
		ID:       d.EntryID,
		Author:   d.Author,
		Revision: d.Revision,
		Created:  d.Created,
		Updated:  d.Updated,
		Status:   batchjob.Status(d.Status),
		Owner:    d.Owner,
	}
}
