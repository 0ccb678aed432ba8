package registry

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/clue/health"
	"goa.design/goa-ai/core/skillerr"
)

const (
	defaultDescriptorsCollection = "skill_descriptors"
	defaultOpTimeout             = 5 * time.Second
	mongoClientName              = "skill-registry-mongo"
)

// MongoOptions configures the Mongo-backed registry Store, following the
// MongoOptions{Client ...}/NewMongoStore constructor pattern shared by the
// Mongo-backed stores in this module (e.g. core/run/mongo.go).
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore implements Store over a MongoDB collection keyed by skill name,
// giving every orchestrator replica a consistent view of which skills are
// registered cluster-wide (spec §4.7).
type MongoStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Store
} = (*MongoStore)(nil)

type descriptorDocument struct {
	Skill                string           `bson:"_id"`
	ParamSchema          []byte           `bson:"param_schema,omitempty"`
	DefaultRetryable     map[string]bool  `bson:"default_retryable,omitempty"`
	ProducesOutboxEffect bool             `bson:"produces_outbox_effect"`
	IdempotencyScope     IdempotencyScope `bson:"idempotency_scope"`
	RegisteredAt         time.Time        `bson:"registered_at"`
}

// NewMongoStore builds a MongoStore using the provided options.
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultDescriptorsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	return &MongoStore{coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *MongoStore) Name() string { return mongoClientName }

// Ping implements health.Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.coll.Database().Client().Ping(ctx, nil)
}

func (s *MongoStore) Register(ctx context.Context, d Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	d.RegisteredAt = time.Now().UTC()
	doc := toDescriptorDocument(d)
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": d.Skill}, doc, opts)
	return err
}

func (s *MongoStore) Lookup(ctx context.Context, name string) (Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc descriptorDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Descriptor{}, ErrNotFound
	}
	if err != nil {
		return Descriptor{}, err
	}
	return fromDescriptorDocument(doc), nil
}

func (s *MongoStore) List(ctx context.Context) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []descriptorDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Descriptor, len(docs))
	for i, doc := range docs {
		out[i] = fromDescriptorDocument(doc)
	}
	return out, nil
}

func (s *MongoStore) Deregister(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toDescriptorDocument(d Descriptor) descriptorDocument {
	var retryable map[string]bool
	if d.DefaultRetryable != nil {
		retryable = make(map[string]bool, len(d.DefaultRetryable))
		for k, v := range d.DefaultRetryable {
			retryable[string(k)] = v
		}
	}
	return descriptorDocument{
		Skill:                d.Skill,
		ParamSchema:          d.ParamSchema,
		DefaultRetryable:     retryable,
		ProducesOutboxEffect: d.ProducesOutboxEffect,
		IdempotencyScope:     d.IdempotencyScope,
		RegisteredAt:         d.RegisteredAt,
	}
}

func fromDescriptorDocument(doc descriptorDocument) Descriptor {
	var retryable map[skillerr.Kind]bool
	if doc.DefaultRetryable != nil {
		retryable = make(map[skillerr.Kind]bool, len(doc.DefaultRetryable))
		for k, v := range doc.DefaultRetryable {
			retryable[skillerr.Kind(k)] = v
		}
	}
	return Descriptor{
		Skill:                doc.Skill,
		ParamSchema:          doc.ParamSchema,
		DefaultRetryable:     retryable,
		ProducesOutboxEffect: doc.ProducesOutboxEffect,
		IdempotencyScope:     doc.IdempotencyScope,
		RegisteredAt:         doc.RegisteredAt,
	}
}
