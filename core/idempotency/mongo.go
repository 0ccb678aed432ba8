package idempotency

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
	defaultRecordsCollection = "idempotency_records"
	defaultOpTimeout         = 5 * time.Second
	recordsClientName        = "idempotency-mongo"
)

// MongoOptions configures the Mongo-backed Store and ReplayLog.
type MongoOptions struct {
	Client             *mongodriver.Client
	Database           string
	RecordsCollection  string
	ReplayLogCollection string
	Timeout            time.Duration
}

// MongoStore implements Store over a MongoDB collection. Every state change
// is a single FindOneAndUpdate/UpdateOne/DeleteOne call whose filter encodes
// the required prior state (spec §4.2). ClaimOrReturn and Commit first read
// the record to pick the outcome; their write's filter re-checks that state
// server-side rather than trusting the read.
type MongoStore struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Store
	Retainer
} = (*MongoStore)(nil)

var _ interface {
	ReplayLog
	MismatchRecorder
	ReplayRetainer
} = (*MongoReplayLog)(nil)

// NewMongoStore builds a MongoStore using the provided options.
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.RecordsCollection
	if collection == "" {
		collection = defaultRecordsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoStore{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *MongoStore) Name() string { return recordsClientName }

// Ping implements health.Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

type recordDocument struct {
	Key         string       `bson:"key"`
	Status      RecordStatus `bson:"status"`
	Owner       string       `bson:"owner,omitempty"`
	Fingerprint string       `bson:"fingerprint"`
	Result      []byte       `bson:"result,omitempty"`
	CreatedAt   time.Time    `bson:"created_at"`
	CommittedAt time.Time    `bson:"committed_at,omitempty"`
	ExpiresAt   time.Time    `bson:"expires_at"`
}

// ClaimOrReturn implements Store.
func (s *MongoStore) ClaimOrReturn(ctx context.Context, key, paramsFingerprint, owner string, ttl time.Duration) (ClaimResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()

	// Fast path: a committed record always wins regardless of expiry.
	var existing recordDocument
	err := s.coll.FindOne(ctx, bson.M{"key": key}).Decode(&existing)
	switch {
	case errors.Is(err, mongodriver.ErrNoDocuments):
		// fall through to claim-or-takeover below
	case err != nil:
		return ClaimResult{}, err
	case existing.Status == StatusCommitted:
		return ClaimResult{Outcome: Cached, Result: existing.Result, ParamFingerprint: existing.Fingerprint}, nil
	case existing.Fingerprint != paramsFingerprint:
		return ClaimResult{}, ErrParamMismatch
	case existing.Owner == owner:
		return ClaimResult{Outcome: AlreadyOwned}, nil
	case existing.ExpiresAt.After(now):
		return ClaimResult{Outcome: Contended, OtherOwner: existing.Owner}, nil
	}

	// Claim (first writer) or takeover (expired in-flight owner). Both are
	// a single atomic FindOneAndUpdate keyed on the same precondition that
	// was just observed, closing the race by re-checking the filter
	// server-side rather than trusting the read above.
	filter := bson.M{
		"key": key,
		"$or": bson.A{
			bson.M{"key": bson.M{"$exists": false}},
			bson.M{"status": StatusInFlight, "expires_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      StatusInFlight,
			"owner":       owner,
			"fingerprint": paramsFingerprint,
			"expires_at":  now.Add(ttl),
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc recordDocument
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// Lost the race to a concurrent claim; re-read to report contention.
			return s.ClaimOrReturn(ctx, key, paramsFingerprint, owner, ttl)
		}
		return ClaimResult{}, err
	}
	if doc.Fingerprint != paramsFingerprint {
		return ClaimResult{}, ErrParamMismatch
	}
	return ClaimResult{Outcome: Claimed}, nil
}

// Commit implements Store.
func (s *MongoStore) Commit(ctx context.Context, key, owner string, result []byte, paramsFingerprint string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"key": key, "status": StatusInFlight, "owner": owner}
	var existing recordDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&existing); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, ErrNotInFlight
		}
		return nil, err
	}
	if existing.Fingerprint != paramsFingerprint {
		return nil, ErrParamMismatch
	}

	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":       StatusCommitted,
		"result":       result,
		"committed_at": now,
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotInFlight
	}
	return result, nil
}

// Abandon implements Store.
func (s *MongoStore) Abandon(ctx context.Context, key, owner string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"key": key, "status": StatusInFlight, "owner": owner})
	return err
}

// PurgeCommittedBefore implements Retainer.
func (s *MongoStore) PurgeCommittedBefore(ctx context.Context, committedBefore time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"status":       StatusCommitted,
		"committed_at": bson.M{"$lt": committedBefore},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
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

// MongoReplayLog implements ReplayLog + MismatchRecorder over an
// append-only MongoDB collection.
type MongoReplayLog struct {
	coll          *mongodriver.Collection
	mismatchColl  *mongodriver.Collection
	timeout       time.Duration
}

// NewMongoReplayLog builds a MongoReplayLog using the provided client.
func NewMongoReplayLog(client *mongodriver.Client, database string, opts MongoOptions) (*MongoReplayLog, error) {
	collection := opts.ReplayLogCollection
	if collection == "" {
		collection = "replay_log"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := client.Database(database).Collection(collection)
	mismatchColl := client.Database(database).Collection(collection + "_mismatches")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "op_index", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoReplayLog{coll: coll, mismatchColl: mismatchColl, timeout: timeout}, nil
}

type replayDocument struct {
	RunID       string    `bson:"run_id"`
	OpIndex     int       `bson:"op_index"`
	Result      []byte    `bson:"result"`
	ResultHash  string    `bson:"result_hash"`
	CommittedAt time.Time `bson:"committed_at"`
}

// Append implements ReplayLog. It never updates an existing row: the
// unique index on (run_id, op_index) makes a second Append for the same op
// fail with a duplicate-key error, enforcing append-only at the database
// layer rather than only in application code.
func (l *MongoReplayLog) Append(ctx context.Context, e ReplayEntry) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	doc := replayDocument{
		RunID:       e.RunID,
		OpIndex:     e.OpIndex,
		Result:      e.Result,
		ResultHash:  e.ResultHash,
		CommittedAt: e.CommittedAt,
	}
	_, err := l.coll.InsertOne(ctx, doc)
	return err
}

// Load implements ReplayLog.
func (l *MongoReplayLog) Load(ctx context.Context, runID string, opIndex int) (ReplayEntry, bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	var doc replayDocument
	err := l.coll.FindOne(ctx, bson.M{"run_id": runID, "op_index": opIndex}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return ReplayEntry{}, false, nil
	}
	if err != nil {
		return ReplayEntry{}, false, err
	}
	return ReplayEntry{
		RunID:       doc.RunID,
		OpIndex:     doc.OpIndex,
		Result:      doc.Result,
		ResultHash:  doc.ResultHash,
		CommittedAt: doc.CommittedAt,
	}, true, nil
}

// VerifyReplay implements ReplayLog. It never mutates the stored entry
// (spec §8 invariant 4): on mismatch it only returns Mismatch, leaving the
// caller to record a MismatchEntry via RecordMismatch.
func (l *MongoReplayLog) VerifyReplay(ctx context.Context, runID string, opIndex int, recomputedResultHash string) (ReplayVerdict, error) {
	entry, ok, err := l.Load(ctx, runID, opIndex)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("idempotency: no committed replay entry for op")
	}
	if entry.ResultHash == recomputedResultHash {
		return Match, nil
	}
	return Mismatch, nil
}

// RecordMismatch implements MismatchRecorder.
func (l *MongoReplayLog) RecordMismatch(ctx context.Context, m MismatchEntry) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.mismatchColl.InsertOne(ctx, bson.M{
		"run_id":          m.RunID,
		"op_index":        m.OpIndex,
		"original_hash":   m.OriginalHash,
		"recomputed_hash": m.RecomputedHash,
		"detected_at":     m.DetectedAt,
	})
	return err
}

// PurgeCommittedBefore implements ReplayRetainer.
func (l *MongoReplayLog) PurgeCommittedBefore(ctx context.Context, committedBefore time.Time) (int, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.coll.DeleteMany(ctx, bson.M{"committed_at": bson.M{"$lt": committedBefore}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (l *MongoReplayLog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
