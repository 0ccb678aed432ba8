package run

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
	defaultRunsCollection = "runs"
	defaultOpTimeout      = 5 * time.Second
	mongoClientName       = "run-mongo"
)

// MongoOptions configures the Mongo-backed run Store.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore implements Store over a MongoDB collection. TransitionStatus
// loads the run first and returns ErrTerminal for a terminal row, then
// writes with a single UpdateOne whose filter carries the fencing-token
// check, so a stale token never lands. The terminal-row check is made on
// that read, not in the write's filter.
type MongoStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ interface {
	health.Pinger
	Store
} = (*MongoStore)(nil)

type runDocument struct {
	ID             string           `bson:"_id"`
	TenantID       string           `bson:"tenant_id"`
	AgentID        string           `bson:"agent_id"`
	Plan           []stepDocument   `bson:"plan,omitempty"`
	Status         Status           `bson:"status"`
	CreatedAt      time.Time        `bson:"created_at"`
	StartedAt      time.Time        `bson:"started_at,omitempty"`
	CompletedAt    time.Time        `bson:"completed_at,omitempty"`
	ParentRunID    string           `bson:"parent_run_id,omitempty"`
	IdempotencyKey string           `bson:"idempotency_key,omitempty"`
	FencingToken   int64            `bson:"fencing_token"`
}

type stepDocument struct {
	Skill  string         `bson:"skill"`
	Params map[string]any `bson:"params,omitempty"`
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
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	}
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

// Create implements Store. A duplicate-key error on idempotency_key means
// another caller already created the run with this key; Create then loads
// and returns the existing row instead of failing, matching the teacher's
// spirit of idempotent submit-run (spec §6).
func (s *MongoStore) Create(ctx context.Context, r Run) (Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if r.Status == "" {
		r.Status = StatusQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	doc := toRunDocument(r)
	_, err := s.coll.InsertOne(ctx, doc)
	if mongodriver.IsDuplicateKeyError(err) {
		existing, ok, lookupErr := s.LookupByIdempotencyKey(ctx, r.IdempotencyKey)
		if lookupErr != nil {
			return Run{}, lookupErr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

// Load implements Store.
func (s *MongoStore) Load(ctx context.Context, runID string) (Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	return fromRunDocument(doc), nil
}

// TransitionStatus implements Store.
func (s *MongoStore) TransitionStatus(ctx context.Context, runID string, newStatus Status, fencingToken int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	current, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() && current.Status != newStatus {
		return ErrTerminal
	}

	update := bson.M{"$set": bson.M{"status": newStatus, "fencing_token": fencingToken}}
	switch {
	case newStatus == StatusRunning:
		update["$min"] = bson.M{"started_at": time.Now().UTC()}
	case newStatus.Terminal():
		update["$set"].(bson.M)["completed_at"] = time.Now().UTC()
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{
		"_id":           runID,
		"fencing_token": bson.M{"$lte": fencingToken},
	}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrStaleFence
	}
	return nil
}

// LookupByIdempotencyKey implements Store.
func (s *MongoStore) LookupByIdempotencyKey(ctx context.Context, key string) (Run, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc runDocument
	err := s.coll.FindOne(ctx, bson.M{"idempotency_key": key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return fromRunDocument(doc), true, nil
}

func toRunDocument(r Run) runDocument {
	steps := make([]stepDocument, len(r.Plan))
	for i, step := range r.Plan {
		steps[i] = stepDocument{Skill: step.Skill, Params: step.Params}
	}
	return runDocument{
		ID: r.ID, TenantID: r.TenantID, AgentID: r.AgentID, Plan: steps,
		Status: r.Status, CreatedAt: r.CreatedAt, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, ParentRunID: r.ParentRunID,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func fromRunDocument(doc runDocument) Run {
	steps := make([]StepDescriptor, len(doc.Plan))
	for i, step := range doc.Plan {
		steps[i] = StepDescriptor{Skill: step.Skill, Params: step.Params}
	}
	return Run{
		ID: doc.ID, TenantID: doc.TenantID, AgentID: doc.AgentID, Plan: steps,
		Status: doc.Status, CreatedAt: doc.CreatedAt, StartedAt: doc.StartedAt,
		CompletedAt: doc.CompletedAt, ParentRunID: doc.ParentRunID,
		IdempotencyKey: doc.IdempotencyKey,
	}
}
