package idempotency_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/internal/mongotest"
)

// TestMongoStoreClaimCommitRoundTripProperty verifies that a committed
// record survives store recreation and always returns the committed result
// on a subsequent claim, for arbitrary keys/fingerprints/results (spec §8:
// integration test against real Mongo for the idempotency collection).
func TestMongoStoreClaimCommitRoundTripProperty(t *testing.T) {
	client := mongotest.Client(t)
	database := "idempotency_test"
	mongotest.DropDatabase(t, client, database)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("commit then claim returns the cached result", prop.ForAll(
		func(key, fingerprint, owner, result string) bool {
			coll := fmt.Sprintf("records_%d", time.Now().UnixNano())
			store, err := idempotency.NewMongoStore(idempotency.MongoOptions{
				Client: client, Database: database, RecordsCollection: coll,
			})
			if err != nil {
				return false
			}

			claim, err := store.ClaimOrReturn(ctx, key, fingerprint, owner, time.Minute)
			if err != nil || claim.Outcome != idempotency.Claimed {
				return false
			}
			if _, err := store.Commit(ctx, key, owner, []byte(result), fingerprint); err != nil {
				return false
			}

			store2, err := idempotency.NewMongoStore(idempotency.MongoOptions{
				Client: client, Database: database, RecordsCollection: coll,
			})
			if err != nil {
				return false
			}
			replay, err := store2.ClaimOrReturn(ctx, key, fingerprint, "someone-else", time.Minute)
			if err != nil {
				return false
			}
			return replay.Outcome == idempotency.Cached && string(replay.Result) == result
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestMongoReplayLogAppendAndVerifyRoundTrip exercises the replay log
// collection against a real Mongo instance: an appended entry must verify
// as a match for its own hash and as a mismatch for any other hash.
func TestMongoReplayLogAppendAndVerifyRoundTrip(t *testing.T) {
	client := mongotest.Client(t)
	database := "idempotency_test"
	ctx := context.Background()

	replayLog, err := idempotency.NewMongoReplayLog(client, database, idempotency.MongoOptions{
		ReplayLogCollection: fmt.Sprintf("replay_%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	entry := idempotency.ReplayEntry{
		RunID: "run-1", OpIndex: 0, Result: []byte(`{"ok":true}`),
		ResultHash: "abc123", CommittedAt: time.Now().UTC(),
	}
	require.NoError(t, replayLog.Append(ctx, entry))

	verdict, err := replayLog.VerifyReplay(ctx, entry.RunID, entry.OpIndex, entry.ResultHash)
	require.NoError(t, err)
	require.Equal(t, idempotency.Match, verdict)

	verdict, err = replayLog.VerifyReplay(ctx, entry.RunID, entry.OpIndex, "different-hash")
	require.NoError(t, err)
	require.Equal(t, idempotency.Mismatch, verdict)
}
