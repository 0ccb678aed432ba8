package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/config"
	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/lock"
	"goa.design/goa-ai/core/maintenance"
	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/run"
	"goa.design/goa-ai/core/skillerr"
)

func TestOutboxDrainStepResetsStuckEntries(t *testing.T) {
	ctx := context.Background()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := outbox.NewMemory(func() time.Time { return fixedNow })

	require.NoError(t, store.Enqueue(ctx, outbox.Entry{ID: "e1", RunID: "run-1", Target: "slack", CreatedAt: fixedNow}))
	fetched, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, []string{fetched[0].ID}))

	step := maintenance.NewOutboxDrainStep(store, time.Minute)

	// Not yet stale: RunOnce shouldn't reset anything.
	require.NoError(t, step.Run(ctx))
	stuck, err := store.FetchStuck(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	laterStore := outbox.NewMemory(func() time.Time { return fixedNow.Add(2 * time.Minute) })
	require.NoError(t, laterStore.Enqueue(ctx, outbox.Entry{ID: "e2", RunID: "run-1", Target: "slack", CreatedAt: fixedNow}))
	fetched2, err := laterStore.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, laterStore.MarkInFlight(ctx, []string{fetched2[0].ID}))

	drainStep := maintenance.NewOutboxDrainStep(laterStore, 0)
	require.NoError(t, drainStep.Run(ctx))
	pending, err := laterStore.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDeadLetterReconcileStepResolvesTenantFromParentRun(t *testing.T) {
	ctx := context.Background()
	runs := run.NewMemory(nil)
	_, err := runs.Create(ctx, run.Run{ID: "run-1", TenantID: "tenant-x"})
	require.NoError(t, err)

	archive := deadletter.NewMemoryArchive(nil)
	candidates := deadletter.NewMemoryCandidateStore(nil)
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "rate-limited", Kind: skillerr.RateLimited, DefaultAction: deadletter.ActionRetryAsIs},
	})
	require.NoError(t, err)

	entry := deadletter.Entry{ID: "dl-1", RunID: "run-1", Skill: "slack.post", FailureKind: skillerr.RateLimited}
	require.NoError(t, archive.Append(ctx, entry))

	var seenTenant string
	pipe := &deadletter.Pipeline{
		Archive:    archive,
		Candidates: candidates,
		Catalog:    cat,
		Heuristic:  deadletter.HeuristicSource{Catalog: cat},
		Runs:       runs,
		NewID:      func() string { return "cand-1" },
		Policy: func(tenantID string) deadletter.RecoveryPolicy {
			seenTenant = tenantID
			return deadletter.RecoveryPolicy{TenantID: tenantID, AutoApproveThreshold: 0.8}
		},
	}

	step := maintenance.NewDeadLetterReconcileStep(archive, pipe, runs, 10)
	require.NoError(t, step.Run(ctx))
	require.Equal(t, "tenant-x", seenTenant)

	matched, err := archive.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, deadletter.StatusMatched, matched.Status)
}

func TestRetentionCleanupStepPurgesOlderThanWindow(t *testing.T) {
	ctx := context.Background()
	fixedNow := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	idemStore := idempotency.NewMemory(func() time.Time { return fixedNow })

	_, err := idemStore.ClaimOrReturn(ctx, "key-1", "fp", "owner", time.Minute)
	require.NoError(t, err)
	_, err = idemStore.Commit(ctx, "key-1", "owner", []byte("result"), "fp")
	require.NoError(t, err)

	cfg := config.RetentionConfig{IdempotencyRecordTTL: 24 * time.Hour}
	laterNow := fixedNow.Add(48 * time.Hour)
	step := maintenance.NewRetentionCleanupStep(
		maintenance.RetentionTargets{Records: idemStore},
		cfg,
		func() time.Time { return laterNow },
	)
	require.NoError(t, step.Run(ctx))

	result, err := idemStore.ClaimOrReturn(ctx, "key-1", "fp", "owner-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, result.Outcome)
}

func TestLockGCStepPurgesExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := lock.NewMemory(func() time.Time { return clock })

	_, err := locker.Acquire(ctx, "resource-b", "holder-1", time.Millisecond)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	step := maintenance.NewLockGCStep(locker, time.Minute)
	require.NoError(t, step.Run(ctx))

	_, ok, err := locker.Current(ctx, "resource-b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPartitionRotationStepIsNoop(t *testing.T) {
	step := maintenance.NewPartitionRotationStep()
	require.NoError(t, step.Run(context.Background()))
}
