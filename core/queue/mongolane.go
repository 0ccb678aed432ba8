package queue

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
	defaultFallbackCollection = "queue_fallback"
	defaultFallbackTimeout    = 5 * time.Second
	fallbackClientName        = "queue-fallback-mongo"
)

// MongoLaneOptions configures the MongoDB-backed fallback lane.
type MongoLaneOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoLane implements Queue over a MongoDB collection, used when the
// primary broker lane is unavailable (spec §4.1). A claim is a single
// FindOneAndUpdate whose filter requires claimed_by to be unset or expired —
// the same atomic-upsert idiom as clients/mongo.Client.UpsertRun, generalised
// to a conditional update. Mongo has no row-level SKIP LOCKED; a
// single-document atomic CAS per claim gives equivalent exactly-once-claim
// semantics without a table scan.
type MongoLane struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Queue
} = (*MongoLane)(nil)

type fallbackDocument struct {
	RunID          string    `bson:"run_id"`
	OpIndex        int       `bson:"op_index"`
	Partition      string    `bson:"partition"`
	Attempt        int       `bson:"attempt"`
	VisibleAt      time.Time `bson:"visible_at"`
	ClaimedBy      string    `bson:"claimed_by,omitempty"`
	ClaimToken     string    `bson:"claim_token,omitempty"`
	ClaimExpiresAt time.Time `bson:"claim_expires_at,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

// NewMongoLane builds a MongoLane using the provided options.
func NewMongoLane(opts MongoLaneOptions) (*MongoLane, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultFallbackCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFallbackTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "op_index", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	visIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "visible_at", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, visIdx); err != nil {
		return nil, err
	}
	return &MongoLane{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (l *MongoLane) Name() string { return fallbackClientName }

// Ping implements health.Pinger.
func (l *MongoLane) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.mongo.Ping(ctx, readpref.Primary())
}

// Enqueue implements Queue.
func (l *MongoLane) Enqueue(ctx context.Context, runID string, opIndex int, visibleAt time.Time) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "op_index": opIndex}
	update := bson.M{
		"$set": bson.M{"visible_at": visibleAt},
		"$setOnInsert": bson.M{
			"run_id":     runID,
			"op_index":   opIndex,
			"created_at": time.Now().UTC(),
		},
	}
	_, err := l.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Claim implements Queue. Each reservation is an independent
// FindOneAndUpdate so that a partial claim under contention never leaves a
// message half-reserved.
func (l *MongoLane) Claim(ctx context.Context, worker string, max int, invisibility time.Duration) ([]Message, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	claimed := make([]Message, 0, max)
	for len(claimed) < max {
		filter := bson.M{
			"visible_at": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"claimed_by": bson.M{"$exists": false}},
				bson.M{"claim_expires_at": bson.M{"$lte": now}},
			},
		}
		token := worker + "#" + now.Format(time.RFC3339Nano) + "#" + itoa(len(claimed))
		update := bson.M{"$set": bson.M{
			"claimed_by":       worker,
			"claim_token":      token,
			"claim_expires_at": now.Add(invisibility),
		}, "$inc": bson.M{"attempt": 1}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "visible_at", Value: 1}}).
			SetReturnDocument(options.After)
		var doc fallbackDocument
		err := l.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, Message{
			RunID:      doc.RunID,
			OpIndex:    doc.OpIndex,
			Partition:  doc.Partition,
			Attempt:    doc.Attempt,
			ClaimToken: doc.ClaimToken,
			ClaimedAt:  now,
			VisibleAt:  doc.ClaimExpiresAt,
		})
	}
	return claimed, nil
}

// Ack implements Queue.
func (l *MongoLane) Ack(ctx context.Context, msg Message) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.coll.DeleteOne(ctx, bson.M{
		"run_id": msg.RunID, "op_index": msg.OpIndex, "claim_token": msg.ClaimToken,
	})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Nack implements Queue.
func (l *MongoLane) Nack(ctx context.Context, msg Message, visibleAt time.Time) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": msg.RunID, "op_index": msg.OpIndex, "claim_token": msg.ClaimToken}
	update := bson.M{"$set": bson.M{"visible_at": visibleAt}, "$unset": bson.M{"claimed_by": "", "claim_token": "", "claim_expires_at": ""}}
	res, err := l.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Extend implements Queue.
func (l *MongoLane) Extend(ctx context.Context, msg Message, invisibility time.Duration) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": msg.RunID, "op_index": msg.OpIndex, "claim_token": msg.ClaimToken}
	update := bson.M{"$set": bson.M{"claim_expires_at": time.Now().UTC().Add(invisibility)}}
	res, err := l.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (l *MongoLane) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
