package op

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/clue/health"
)

const (
	defaultOpsCollection = "ops"
	defaultOpTimeout     = 5 * time.Second
	mongoClientName      = "op-mongo"
)

// MongoOptions configures the Mongo-backed op Store.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore implements Store over a MongoDB collection keyed by (run id,
// index). MarkSucceeded/MarkFailed are single FindOneAndUpdate/UpdateOne
// calls gated on fencingToken, matching core/run.MongoStore's
// conditional-write idiom.
type MongoStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Store
} = (*MongoStore)(nil)

type opDocument struct {
	ID           string         `bson:"_id"`
	RunID        string         `bson:"run_id"`
	Index        int            `bson:"index"`
	Skill        string         `bson:"skill"`
	Params       map[string]any `bson:"params,omitempty"`
	Fingerprint  string         `bson:"fingerprint,omitempty"`
	Attempt      int            `bson:"attempt"`
	Status       Status         `bson:"status"`
	ClaimedBy    string         `bson:"claimed_by,omitempty"`
	ClaimedAt    time.Time      `bson:"claimed_at,omitempty"`
	HeartbeatAt  time.Time      `bson:"heartbeat_at,omitempty"`
	ResultRef    string         `bson:"result_ref,omitempty"`
	FencingToken int64          `bson:"fencing_token"`
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
		collection = defaultOpsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "index", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
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

// CreateAll implements Store.
func (s *MongoStore) CreateAll(ctx context.Context, runID string, ops []Op) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if len(ops) == 0 {
		return nil
	}
	docs := make([]any, len(ops))
	for i, o := range ops {
		o.RunID = runID
		if o.Status == "" {
			o.Status = StatusPending
		}
		docs[i] = toOpDocument(o)
	}
	_, err := s.coll.InsertMany(ctx, docs)
	return err
}

// Load implements Store.
func (s *MongoStore) Load(ctx context.Context, runID string, index int) (Op, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc opDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": Op{RunID: runID, Index: index}.ID()}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Op{}, ErrNotFound
	}
	if err != nil {
		return Op{}, err
	}
	return fromOpDocument(doc), nil
}

// ListByRun implements Store.
func (s *MongoStore) ListByRun(ctx context.Context, runID string) ([]Op, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []opDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Op, len(docs))
	for i, doc := range docs {
		out[i] = fromOpDocument(doc)
	}
	return out, nil
}

// MarkSucceeded implements Store.
func (s *MongoStore) MarkSucceeded(ctx context.Context, runID string, index int, resultRef string, fencingToken int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{
		"_id":           Op{RunID: runID, Index: index}.ID(),
		"fencing_token": bson.M{"$lte": fencingToken},
	}, bson.M{"$set": bson.M{"status": StatusSucceeded, "result_ref": resultRef, "fencing_token": fencingToken}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrStaleFence
	}
	return nil
}

// MarkFailed implements Store.
func (s *MongoStore) MarkFailed(ctx context.Context, runID string, index int, terminal bool, fencingToken int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	newStatus := StatusFailed
	if terminal {
		newStatus = StatusDead
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{
		"_id":           Op{RunID: runID, Index: index}.ID(),
		"fencing_token": bson.M{"$lte": fencingToken},
	}, bson.M{
		"$set": bson.M{"status": newStatus, "fencing_token": fencingToken},
		"$inc": bson.M{"attempt": 1},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrStaleFence
	}
	return nil
}

func toOpDocument(o Op) opDocument {
	return opDocument{
		ID: o.ID(), RunID: o.RunID, Index: o.Index, Skill: o.Skill, Params: o.Params,
		Fingerprint: o.Fingerprint, Attempt: o.Attempt, Status: o.Status,
		ClaimedBy: o.ClaimedBy, ClaimedAt: o.ClaimedAt, HeartbeatAt: o.HeartbeatAt, ResultRef: o.ResultRef,
	}
}

func fromOpDocument(doc opDocument) Op {
	return Op{
		RunID: doc.RunID, Index: doc.Index, Skill: doc.Skill, Params: doc.Params,
		Fingerprint: doc.Fingerprint, Attempt: doc.Attempt, Status: doc.Status,
		ClaimedBy: doc.ClaimedBy, ClaimedAt: doc.ClaimedAt, HeartbeatAt: doc.HeartbeatAt, ResultRef: doc.ResultRef,
	}
}
