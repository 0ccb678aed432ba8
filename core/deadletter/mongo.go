package deadletter

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
	"goa.design/goa-ai/core/skillerr"
)

const (
	defaultArchiveCollection   = "dead_letters"
	defaultCandidateCollection = "recovery_candidates"
	defaultOpTimeout           = 5 * time.Second
)

// MongoOptions configures the Mongo-backed Archive and CandidateStore.
type MongoOptions struct {
	Client              *mongodriver.Client
	Database            string
	ArchiveCollection   string
	CandidateCollection string
	Timeout             time.Duration
}

type entryDocument struct {
	ID              string        `bson:"_id"`
	RunID           string        `bson:"run_id"`
	OpIndex         int           `bson:"op_index"`
	Skill           string        `bson:"skill"`
	CanonicalParams []byte        `bson:"canonical_params"`
	FailureKind     string        `bson:"failure_kind"`
	LastError       string        `bson:"last_error"`
	CatalogMatch    string        `bson:"catalog_match,omitempty"`
	Attempts        int           `bson:"attempts"`
	PriorErrors     []string      `bson:"prior_errors,omitempty"`
	ArchivedAt      time.Time     `bson:"archived_at"`
	Replayable      bool          `bson:"replayable"`
	Status          EntryStatus   `bson:"status"`
}

func entryToDoc(e Entry) entryDocument {
	return entryDocument{
		ID: e.ID, RunID: e.RunID, OpIndex: e.OpIndex, Skill: e.Skill,
		CanonicalParams: e.CanonicalParams, FailureKind: string(e.FailureKind),
		LastError: e.LastError, CatalogMatch: e.CatalogMatch, Attempts: e.Attempts,
		PriorErrors: e.PriorErrors, ArchivedAt: e.ArchivedAt, Replayable: e.Replayable,
		Status: e.Status,
	}
}

func docToEntry(d entryDocument) Entry {
	return Entry{
		ID: d.ID, RunID: d.RunID, OpIndex: d.OpIndex, Skill: d.Skill,
		CanonicalParams: d.CanonicalParams, FailureKind: skillerr.Kind(d.FailureKind),
		LastError: d.LastError, CatalogMatch: d.CatalogMatch, Attempts: d.Attempts,
		PriorErrors: d.PriorErrors, ArchivedAt: d.ArchivedAt, Replayable: d.Replayable,
		Status: d.Status,
	}
}

// MongoArchive implements Archive over an append-only MongoDB collection
// (spec §4.5: "Archive is append-only, InsertOne only").
type MongoArchive struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Archive
	Retainer
} = (*MongoArchive)(nil)

// NewMongoArchive builds a MongoArchive.
func NewMongoArchive(opts MongoOptions) (*MongoArchive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.ArchiveCollection
	if collection == "" {
		collection = defaultArchiveCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "archived_at", Value: 1}}},
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "op_index", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return nil, err
	}
	return &MongoArchive{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (a *MongoArchive) Name() string { return "deadletter-archive-mongo" }

// Ping implements health.Pinger.
func (a *MongoArchive) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.mongo.Ping(ctx, readpref.Primary())
}

func (a *MongoArchive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Append implements Archive.
func (a *MongoArchive) Append(ctx context.Context, e Entry) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if e.Status == "" {
		e.Status = StatusUnmatched
	}
	_, err := a.coll.InsertOne(ctx, entryToDoc(e))
	return err
}

// Get implements Archive.
func (a *MongoArchive) Get(ctx context.Context, id string) (Entry, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	err := a.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return docToEntry(doc), nil
}

// ListByStatus implements Archive.
func (a *MongoArchive) ListByStatus(ctx context.Context, status EntryStatus, max int) ([]Entry, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "archived_at", Value: 1}}).SetLimit(int64(max))
	cur, err := a.coll.Find(ctx, bson.M{"status": status}, findOpts)
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
		out = append(out, docToEntry(doc))
	}
	return out, cur.Err()
}

// UpdateCatalogMatch implements Archive.
func (a *MongoArchive) UpdateCatalogMatch(ctx context.Context, id, catalogMatch string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	_, err := a.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"catalog_match": catalogMatch, "status": StatusMatched}},
	)
	return err
}

// MarkRecovered implements Archive.
func (a *MongoArchive) MarkRecovered(ctx context.Context, id string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	_, err := a.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": StatusRecovered}})
	return err
}

// PurgeRecoveredBefore implements Retainer.
func (a *MongoArchive) PurgeRecoveredBefore(ctx context.Context, archivedBefore time.Time) (int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	res, err := a.coll.DeleteMany(ctx, bson.M{
		"status":      StatusRecovered,
		"archived_at": bson.M{"$lt": archivedBefore},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

type candidateDocument struct {
	ID           string          `bson:"_id"`
	DeadLetterID string          `bson:"dead_letter_id"`
	Action       Action          `bson:"action"`
	Transform    *TransformDescriptor `bson:"transform,omitempty"`
	Confidence   float64         `bson:"confidence"`
	Source       CandidateSource `bson:"source"`
	Status       CandidateStatus `bson:"status"`
	Approver     string          `bson:"approver,omitempty"`
	DecidedAt    time.Time       `bson:"decided_at,omitempty"`
	ChildRunID   string          `bson:"child_run_id,omitempty"`
	CreatedAt    time.Time       `bson:"created_at"`
}

func candidateToDoc(c Candidate) candidateDocument {
	return candidateDocument{
		ID: c.ID, DeadLetterID: c.DeadLetterID, Action: c.Action, Transform: c.Transform,
		Confidence: c.Confidence, Source: c.Source, Status: c.Status, Approver: c.Approver,
		DecidedAt: c.DecidedAt, ChildRunID: c.ChildRunID, CreatedAt: c.CreatedAt,
	}
}

func docToCandidate(d candidateDocument) Candidate {
	return Candidate{
		ID: d.ID, DeadLetterID: d.DeadLetterID, Action: d.Action, Transform: d.Transform,
		Confidence: d.Confidence, Source: d.Source, Status: d.Status, Approver: d.Approver,
		DecidedAt: d.DecidedAt, ChildRunID: d.ChildRunID, CreatedAt: d.CreatedAt,
	}
}

// MongoCandidateStore implements CandidateStore over MongoDB.
type MongoCandidateStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ CandidateStore = (*MongoCandidateStore)(nil)

// NewMongoCandidateStore builds a MongoCandidateStore.
func NewMongoCandidateStore(opts MongoOptions) (*MongoCandidateStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.CandidateCollection
	if collection == "" {
		collection = defaultCandidateCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "dead_letter_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoCandidateStore{coll: coll, timeout: timeout}, nil
}

func (s *MongoCandidateStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Propose implements CandidateStore.
func (s *MongoCandidateStore) Propose(ctx context.Context, c Candidate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if c.Status == "" {
		c.Status = CandidateProposed
	}
	_, err := s.coll.InsertOne(ctx, candidateToDoc(c))
	return err
}

// Get implements CandidateStore.
func (s *MongoCandidateStore) Get(ctx context.Context, id string) (Candidate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc candidateDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Candidate{}, ErrNotFound
	}
	if err != nil {
		return Candidate{}, err
	}
	return docToCandidate(doc), nil
}

// ListByDeadLetter implements CandidateStore.
func (s *MongoCandidateStore) ListByDeadLetter(ctx context.Context, deadLetterID string) ([]Candidate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"dead_letter_id": deadLetterID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Candidate
	for cur.Next(ctx) {
		var doc candidateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToCandidate(doc))
	}
	return out, cur.Err()
}

// ListPendingApproval implements CandidateStore.
func (s *MongoCandidateStore) ListPendingApproval(ctx context.Context, max int) ([]Candidate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(max))
	cur, err := s.coll.Find(ctx, bson.M{"status": CandidateProposed}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Candidate
	for cur.Next(ctx) {
		var doc candidateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToCandidate(doc))
	}
	return out, cur.Err()
}

// Decide implements CandidateStore.
func (s *MongoCandidateStore) Decide(ctx context.Context, id string, approve bool, approver string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	status := CandidateRejected
	if approve {
		status = CandidateApproved
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": CandidateProposed},
		bson.M{"$set": bson.M{"status": status, "approver": approver, "decided_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkExecuted implements CandidateStore.
func (s *MongoCandidateStore) MarkExecuted(ctx context.Context, id, childRunID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": CandidateApproved},
		bson.M{"$set": bson.M{"status": CandidateExecuted, "child_run_id": childRunID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
