package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"goa.design/clue/health"
)

const (
	defaultLedgerCollection = "audit_ledger"
	defaultOpTimeout        = 5 * time.Second
	mongoClientName         = "audit-ledger-mongo"
)

// MongoOptions configures the Mongo-backed Ledger.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoLedger implements Ledger as an insert-only collection: Append only
// ever calls InsertOne, never UpdateOne/ReplaceOne, matching
// core/deadletter.MongoArchive's append-and-list shape (spec §4.5) applied
// to the general audit trail.
type MongoLedger struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Ledger
} = (*MongoLedger)(nil)

type recordDocument struct {
	ID      string    `bson:"_id"`
	RunID   string    `bson:"run_id"`
	OpIndex int       `bson:"op_index"`
	Kind    string    `bson:"kind"`
	Detail  []byte    `bson:"detail,omitempty"`
	Actor   string    `bson:"actor,omitempty"`
	At      time.Time `bson:"at"`
}

// NewMongoLedger builds a MongoLedger using the provided options.
func NewMongoLedger(opts MongoOptions) (*MongoLedger, error) {
	collection := opts.Collection
	if collection == "" {
		collection = defaultLedgerCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "at", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoLedger{coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (l *MongoLedger) Name() string { return mongoClientName }

// Ping implements health.Pinger.
func (l *MongoLedger) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.coll.Database().Client().Ping(ctx, nil)
}

// Append implements Ledger.
func (l *MongoLedger) Append(ctx context.Context, r Record) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := l.coll.InsertOne(ctx, recordDocument{
		ID: r.ID, RunID: r.RunID, OpIndex: r.OpIndex, Kind: r.Kind,
		Detail: r.Detail, Actor: r.Actor, At: r.At,
	})
	return err
}

// ListByRun implements Ledger.
func (l *MongoLedger) ListByRun(ctx context.Context, runID string, max int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})
	if max > 0 {
		findOpts.SetLimit(int64(max))
	}
	cur, err := l.coll.Find(ctx, bson.M{"run_id": runID}, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []recordDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Record, len(docs))
	for i, d := range docs {
		out[i] = Record{ID: d.ID, RunID: d.RunID, OpIndex: d.OpIndex, Kind: d.Kind, Detail: d.Detail, Actor: d.Actor, At: d.At}
	}
	return out, nil
}
