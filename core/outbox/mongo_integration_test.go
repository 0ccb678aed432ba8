package outbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/goa-ai/core/internal/mongotest"
	"goa.design/goa-ai/core/outbox"
)

// TestMongoStoreEnqueueDeliverRoundTripProperty verifies that an enqueued
// entry survives the full pending -> in-flight -> delivered transition
// against a real Mongo instance, for arbitrary targets/payloads (spec §8:
// integration test against real Mongo for the outbox collection).
func TestMongoStoreEnqueueDeliverRoundTripProperty(t *testing.T) {
	client := mongotest.Client(t)
	database := "outbox_test"
	mongotest.DropDatabase(t, client, database)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("enqueue, fetch, mark in-flight, mark delivered", prop.ForAll(
		func(target, payload, runID string) bool {
			coll := fmt.Sprintf("entries_%d", time.Now().UnixNano())
			store, err := outbox.NewMongoStore(outbox.MongoOptions{Client: client, Database: database, Collection: coll})
			if err != nil {
				return false
			}

			id := fmt.Sprintf("entry-%d", time.Now().UnixNano())
			entry := outbox.Entry{
				ID: id, RunID: runID, Target: target, Payload: []byte(payload),
				CreatedAt: time.Now().UTC(), NextVisibleAt: time.Now().UTC().Add(-time.Second),
			}
			if err := store.Enqueue(ctx, entry); err != nil {
				return false
			}

			pending, err := store.FetchPending(ctx, 10)
			if err != nil {
				return false
			}
			found := false
			for _, e := range pending {
				if e.ID == id {
					found = true
				}
			}
			if !found {
				return false
			}

			if err := store.MarkInFlight(ctx, []string{id}); err != nil {
				return false
			}
			if err := store.MarkDelivered(ctx, id); err != nil {
				return false
			}

			stillPending, err := store.FetchPending(ctx, 10)
			if err != nil {
				return false
			}
			for _, e := range stillPending {
				if e.ID == id {
					return false
				}
			}
			return true
		},
		gen.OneConstOf("http", "slack"),
		gen.AlphaString(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestMongoStoreFetchStuckRecoversCrashedDelivery verifies the crash-recovery
// scan: an entry left in-flight past staleAfter is surfaced by FetchStuck and
// cleared by ResetStuck, against a real Mongo instance.
func TestMongoStoreFetchStuckRecoversCrashedDelivery(t *testing.T) {
	client := mongotest.Client(t)
	database := "outbox_test"
	ctx := context.Background()

	store, err := outbox.NewMongoStore(outbox.MongoOptions{
		Client: client, Database: database, Collection: fmt.Sprintf("stuck_%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}

	id := "stuck-entry"
	entry := outbox.Entry{
		ID: id, RunID: "run-1", Target: "http", Payload: []byte("{}"),
		CreatedAt: time.Now().UTC(), NextVisibleAt: time.Now().UTC().Add(-time.Second),
	}
	if err := store.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkInFlight(ctx, []string{id}); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	stuck, err := store.FetchStuck(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("fetch stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != id {
		t.Fatalf("expected entry %s to be stuck, got %+v", id, stuck)
	}

	if err := store.ResetStuck(ctx, []string{id}); err != nil {
		t.Fatalf("reset stuck: %v", err)
	}
	pending, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	found := false
	for _, e := range pending {
		if e.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected entry %s to be pending again after reset", id)
	}
}
