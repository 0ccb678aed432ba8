package outbox

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
	defaultOutboxCollection = "outbox_entries"
	defaultOutboxTimeout    = 5 * time.Second
	outboxClientName        = "outbox-mongo"
)

// MongoOptions configures the Mongo-backed Store.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore persists outbox entries in Mongo. It follows the flowcatalyst
// reference's status-field model rather than a separate queue collection:
// FetchPending/MarkInFlight/MarkDelivered/MarkFailed are plain
// filtered updates, not CAS claims, because exactly one MongoStore
// caller is ever active at a time (the outbox Processor gates itself
// behind a core/lock leader lease before polling).
type MongoStore struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Store
} = (*MongoStore)(nil)

// NewMongoStore builds a MongoStore, creating the indexes the poller and
// crash-recovery scan rely on.
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultOutboxCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOutboxTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_visible_at", Value: 1}}},
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "target", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *MongoStore) Name() string { return outboxClientName }

// Ping implements health.Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

type entryDocument struct {
	ID             string    `bson:"_id"`
	RunID          string    `bson:"run_id"`
	OpIndex        int       `bson:"op_index"`
	Target         string    `bson:"target"`
	Payload        []byte    `bson:"payload"`
	IdempotencyKey string    `bson:"idempotency_key"`
	Status         Status    `bson:"status"`
	Attempt        int       `bson:"attempt"`
	NextVisibleAt  time.Time `bson:"next_visible_at"`
	InFlightSince  time.Time `bson:"in_flight_since,omitempty"`
	LastError      string    `bson:"last_error,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	DeliveredAt    time.Time `bson:"delivered_at,omitempty"`
}

func fromDocument(d entryDocument) Entry {
	return Entry{
		ID:             d.ID,
		RunID:          d.RunID,
		OpIndex:        d.OpIndex,
		Target:         d.Target,
		Payload:        d.Payload,
		IdempotencyKey: d.IdempotencyKey,
		Status:         d.Status,
		Attempt:        d.Attempt,
		NextVisibleAt:  d.NextVisibleAt,
		InFlightSince:  d.InFlightSince,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
		DeliveredAt:    d.DeliveredAt,
	}
}

// Enqueue implements Store.
func (s *MongoStore) Enqueue(ctx context.Context, e Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if e.Status == "" {
		e.Status = StatusPending
	}
	doc := entryDocument{
		ID:             e.ID,
		RunID:          e.RunID,
		OpIndex:        e.OpIndex,
		Target:         e.Target,
		Payload:        e.Payload,
		IdempotencyKey: e.IdempotencyKey,
		Status:         e.Status,
		Attempt:        e.Attempt,
		NextVisibleAt:  e.NextVisibleAt,
		CreatedAt:      e.CreatedAt,
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

// FetchPending implements Store.
func (s *MongoStore) FetchPending(ctx context.Context, max int) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":          StatusPending,
		"next_visible_at": bson.M{"$lte": time.Now().UTC()},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(max))
	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Entry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDocument(doc))
	}
	return out, cur.Err()
}

// MarkInFlight implements Store. Because exactly one processor instance is
// ever primary (enforced by the leader lock), this update loop does not
// need a conditional CAS filter the way core/idempotency's claims do — the
// flowcatalyst reference makes the same simplifying assumption for its
// single-poller design.
func (s *MongoStore) MarkInFlight(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": StatusPending},
		bson.M{"$set": bson.M{"status": StatusInFlight, "in_flight_since": time.Now().UTC()}},
	)
	return err
}

// MarkDelivered implements Store.
func (s *MongoStore) MarkDelivered(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusInFlight},
		bson.M{"$set": bson.M{"status": StatusDelivered, "delivered_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotInFlight
	}
	return nil
}

// MarkFailed implements Store.
func (s *MongoStore) MarkFailed(ctx context.Context, id string, retryable bool, nextVisibleAt time.Time, lastErr string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	nextStatus := StatusFailed
	set := bson.M{"last_error": lastErr}
	if retryable {
		nextStatus = StatusPending
		set["next_visible_at"] = nextVisibleAt
	}
	set["status"] = nextStatus
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusInFlight},
		bson.M{"$set": set, "$inc": bson.M{"attempt": 1}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotInFlight
	}
	return nil
}

// FetchStuck implements Store — the crash-recovery scan the flowcatalyst
// reference runs on startup before its regular poller begins.
func (s *MongoStore) FetchStuck(ctx context.Context, staleAfter time.Duration) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-staleAfter)
	cur, err := s.coll.Find(ctx, bson.M{
		"status":          StatusInFlight,
		"in_flight_since": bson.M{"$lte": cutoff},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Entry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDocument(doc))
	}
	return out, cur.Err()
}

// ResetStuck implements Store.
func (s *MongoStore) ResetStuck(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": StatusInFlight},
		bson.M{"$set": bson.M{"status": StatusPending, "next_visible_at": time.Now().UTC()}},
	)
	return err
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
