package deadletter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/internal/mongotest"
	"goa.design/goa-ai/core/skillerr"
)

// TestMongoArchiveAppendAndListRoundTripProperty verifies that an archived
// entry survives store recreation and is returned by ListByStatus under its
// initial status, for arbitrary skill names and error text (spec §8:
// integration test against real Mongo for the dead-letter collection).
func TestMongoArchiveAppendAndListRoundTripProperty(t *testing.T) {
	client := mongotest.Client(t)
	database := "deadletter_test"
	mongotest.DropDatabase(t, client, database)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("append then list by status returns the archived entry", prop.ForAll(
		func(skill, lastErr string) bool {
			coll := fmt.Sprintf("archive_%d", time.Now().UnixNano())
			archive, err := deadletter.NewMongoArchive(deadletter.MongoOptions{
				Client: client, Database: database, ArchiveCollection: coll,
			})
			if err != nil {
				return false
			}

			id := fmt.Sprintf("dl-%d", time.Now().UnixNano())
			entry := deadletter.Entry{
				ID: id, RunID: "run-1", OpIndex: 0, Skill: skill,
				FailureKind: skillerr.Transient, LastError: lastErr,
				Attempts: 3, ArchivedAt: time.Now().UTC(),
			}
			if err := archive.Append(ctx, entry); err != nil {
				return false
			}

			archive2, err := deadletter.NewMongoArchive(deadletter.MongoOptions{
				Client: client, Database: database, ArchiveCollection: coll,
			})
			if err != nil {
				return false
			}
			listed, err := archive2.ListByStatus(ctx, deadletter.StatusUnmatched, 50)
			if err != nil {
				return false
			}
			for _, e := range listed {
				if e.ID == id && e.Skill == skill && e.LastError == lastErr {
					return true
				}
			}
			return false
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestMongoArchiveCatalogMatchTransition exercises the unmatched -> matched
// -> recovered status transition against a real Mongo instance.
func TestMongoArchiveCatalogMatchTransition(t *testing.T) {
	client := mongotest.Client(t)
	database := "deadletter_test"
	ctx := context.Background()

	archive, err := deadletter.NewMongoArchive(deadletter.MongoOptions{
		Client: client, Database: database, ArchiveCollection: fmt.Sprintf("transitions_%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("build archive: %v", err)
	}

	id := "dl-transition"
	entry := deadletter.Entry{
		ID: id, RunID: "run-1", OpIndex: 0, Skill: "http.post",
		FailureKind: skillerr.Transient, LastError: "timeout", Attempts: 3, ArchivedAt: time.Now().UTC(),
	}
	if err := archive.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := archive.UpdateCatalogMatch(ctx, id, "timeout-rule"); err != nil {
		t.Fatalf("update catalog match: %v", err)
	}
	got, err := archive.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != deadletter.StatusMatched || got.CatalogMatch != "timeout-rule" {
		t.Fatalf("expected matched status with catalog match, got %+v", got)
	}

	if err := archive.MarkRecovered(ctx, id); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	got, err = archive.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != deadletter.StatusRecovered {
		t.Fatalf("expected recovered status, got %+v", got)
	}
}
