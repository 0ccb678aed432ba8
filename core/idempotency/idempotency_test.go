package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/idempotency"
)

func TestClaimOrReturnClaimsFreshKey(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, res.Outcome)
}

func TestClaimOrReturnSameOwnerIsAlreadyOwned(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)

	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.AlreadyOwned, res.Outcome)
}

func TestClaimOrReturnContendedByOtherOwner(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)

	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Contended, res.Outcome)
	require.Equal(t, "worker-1", res.OtherOwner)
}

func TestClaimOrReturnExpiredOwnerIsTakenOver(t *testing.T) {
	now := time.Now()
	clk := func() time.Time { return now }
	ctx := context.Background()
	store := idempotency.NewMemory(clk)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, res.Outcome)
}

// TestIdempotencyDeterminism covers spec §8 invariant 3: once committed,
// every subsequent claim-or-return with a matching fingerprint returns the
// identical cached result; a mismatching fingerprint returns ParamMismatch.
func TestIdempotencyDeterminism(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)
	result, err := store.Commit(ctx, "K1", "worker-1", []byte(`{"v":1}`), "fp-a")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), result)

	cached, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Cached, cached.Outcome)
	require.Equal(t, []byte(`{"v":1}`), cached.Result)

	_, err = store.ClaimOrReturn(ctx, "K1", "fp-b", "worker-2", time.Minute)
	require.ErrorIs(t, err, idempotency.ErrParamMismatch)
}

// TestCrashBetweenCommitAndAck covers spec §8 scenario S1: a worker commits
// the result then "crashes" before acking; a second worker observes Cached
// and never re-invokes the skill body.
func TestCrashBetweenCommitAndAck(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = store.Commit(ctx, "K1", "worker-1", []byte(`{"delivered":true}`), "fp-a")
	require.NoError(t, err)

	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Cached, res.Outcome, "second worker must see the cached result, not re-execute")
}

func TestAbandonAllowsImmediateReclaim(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Abandon(ctx, "K1", "worker-1"))

	res, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, res.Outcome)
}

func TestCommitRejectsParamMismatch(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	_, err := store.ClaimOrReturn(ctx, "K1", "fp-a", "worker-1", time.Minute)
	require.NoError(t, err)

	_, err = store.Commit(ctx, "K1", "worker-1", []byte("x"), "fp-different")
	require.ErrorIs(t, err, idempotency.ErrParamMismatch)
}

func TestReplayLogNeverOverwritesOnMismatch(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemory(nil)

	require.NoError(t, store.Append(ctx, idempotency.ReplayEntry{
		RunID: "r1", OpIndex: 0, Result: []byte(`{"v":1}`), ResultHash: "hash-a",
	}))

	verdict, err := store.VerifyReplay(ctx, "r1", 0, "hash-b")
	require.NoError(t, err)
	require.Equal(t, idempotency.Mismatch, verdict)

	entry, ok, err := store.Load(ctx, "r1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hash-a", entry.ResultHash, "stored record must never be overwritten by a mismatched replay")
}
