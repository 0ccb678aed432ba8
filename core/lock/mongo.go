package lock

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultLockCollection = "core_locks"
	defaultLockTimeout    = 5 * time.Second
	lockClientName        = "lock-mongo"
)

// MongoOptions configures the Mongo-backed Locker.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoLocker implements Locker over a MongoDB collection, using a single
// atomic FindOneAndUpdate per acquire/renew so contended transitions never
// read-then-write (spec §4.2 "design forbids a read-then-write pattern",
// reused here for locks since both are CAS-over-Mongo concerns).
type MongoLocker struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Locker
	GarbageCollector
} = (*MongoLocker)(nil)

// NewMongoLocker builds a MongoLocker using the provided options.
func NewMongoLocker(opts MongoOptions) (*MongoLocker, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultLockCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "resource", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoLocker{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (m *MongoLocker) Name() string { return lockClientName }

// Ping implements health.Pinger.
func (m *MongoLocker) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.mongo.Ping(ctx, readpref.Primary())
}

type lockDocument struct {
	Resource       string    `bson:"resource"`
	Holder         string    `bson:"holder"`
	AcquiredAt     time.Time `bson:"acquired_at"`
	LeaseExpiresAt time.Time `bson:"lease_expires_at"`
	FencingToken   int64     `bson:"fencing_token"`
}

func (d lockDocument) toLease() Lease {
	return Lease{
		Resource:       d.Resource,
		Holder:         d.Holder,
		AcquiredAt:     d.AcquiredAt,
		LeaseExpiresAt: d.LeaseExpiresAt,
		FencingToken:   d.FencingToken,
	}
}

// Acquire implements Locker.
func (m *MongoLocker) Acquire(ctx context.Context, resource, holder string, lease time.Duration) (Lease, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"resource": resource,
		"$or": bson.A{
			bson.M{"holder": bson.M{"$exists": false}},
			bson.M{"holder": holder},
			bson.M{"lease_expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"holder":           holder,
			"acquired_at":      now,
			"lease_expires_at": now.Add(lease),
		},
		"$inc": bson.M{"fencing_token": int64(1)},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc lockDocument
	err := m.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) || errors.Is(err, mongodriver.ErrNoDocuments) {
			return Lease{}, ErrHeldByOther
		}
		return Lease{}, err
	}
	return doc.toLease(), nil
}

// Renew implements Locker.
func (m *MongoLocker) Renew(ctx context.Context, resource, holder string, fencingToken int64, lease time.Duration) (Lease, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"resource": resource, "holder": holder, "fencing_token": fencingToken}
	update := bson.M{"$set": bson.M{"lease_expires_at": now.Add(lease)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc lockDocument
	if err := m.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return Lease{}, ErrStaleFencingToken
		}
		return Lease{}, err
	}
	return doc.toLease(), nil
}

// Release implements Locker.
func (m *MongoLocker) Release(ctx context.Context, resource, holder string, fencingToken int64) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"resource": resource, "holder": holder, "fencing_token": fencingToken}
	_, err := m.coll.DeleteOne(ctx, filter)
	return err
}

// Current implements Locker.
func (m *MongoLocker) Current(ctx context.Context, resource string) (Lease, bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc lockDocument
	err := m.coll.FindOne(ctx, bson.M{"resource": resource}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return doc.toLease(), true, nil
}

// GC implements GarbageCollector.
func (m *MongoLocker) GC(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := m.coll.DeleteMany(ctx, bson.M{"lease_expires_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (m *MongoLocker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}
