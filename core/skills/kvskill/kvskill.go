// Package kvskill implements the "kv.get"/"kv.set" skill adapters (spec
// §4.3): a KV-store skill whose body reads/writes the same MongoDB database
// as the core, demonstrating that a skill may touch durable state directly
// as long as any externally-visible effect still goes through the outbox —
// kv.set here is an internal-only write, so it completes synchronously with
// no outbox entry at all.
package kvskill

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/goa-ai/core/skillerr"
)

const defaultCollection = "kv_store"

// SetParams is the canonical param shape for "kv.set".
type SetParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// GetParams is the canonical param shape for "kv.get".
type GetParams struct {
	Key string `json:"key"`
}

// GetResult is the canonical result shape for "kv.get".
type GetResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

type kvDocument struct {
	Key       string          `bson:"_id"`
	Value     json.RawMessage `bson:"value"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// SetAdapter implements skills.Adapter for "kv.set".
type SetAdapter struct {
	Collection *mongodriver.Collection
}

// NewSetAdapter builds a SetAdapter over the kv_store collection (or coll,
// if given explicitly).
func NewSetAdapter(client *mongodriver.Client, database string, coll *mongodriver.Collection) *SetAdapter {
	if coll == nil {
		coll = client.Database(database).Collection(defaultCollection)
	}
	return &SetAdapter{Collection: coll}
}

// Execute implements skills.Adapter.
func (a *SetAdapter) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "marshal kv.set params: %v", err).WithRetryable(false)
	}
	var p SetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "decode kv.set params: %v", err).WithRetryable(false)
	}
	if p.Key == "" {
		return nil, skillerr.New(skillerr.ParamMismatch, "kv.set requires a key").WithRetryable(false)
	}
	doc := kvDocument{Key: p.Key, Value: p.Value, UpdatedAt: time.Now().UTC()}
	_, err = a.Collection.ReplaceOne(ctx, bson.M{"_id": p.Key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, skillerr.FromError(err)
	}
	return json.Marshal(struct {
		Key string `json:"key"`
	}{Key: p.Key})
}

// GetAdapter implements skills.Adapter for "kv.get".
type GetAdapter struct {
	Collection *mongodriver.Collection
}

// NewGetAdapter builds a GetAdapter over the kv_store collection (or coll,
// if given explicitly).
func NewGetAdapter(client *mongodriver.Client, database string, coll *mongodriver.Collection) *GetAdapter {
	if coll == nil {
		coll = client.Database(database).Collection(defaultCollection)
	}
	return &GetAdapter{Collection: coll}
}

// Execute implements skills.Adapter.
func (a *GetAdapter) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "marshal kv.get params: %v", err).WithRetryable(false)
	}
	var p GetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "decode kv.get params: %v", err).WithRetryable(false)
	}
	var doc kvDocument
	err = a.Collection.FindOne(ctx, bson.M{"_id": p.Key}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return json.Marshal(GetResult{Found: false})
	}
	if err != nil {
		return nil, skillerr.FromError(err)
	}
	return json.Marshal(GetResult{Value: doc.Value, Found: true})
}
