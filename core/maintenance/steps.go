package maintenance

import (
	"context"
	"errors"
	"time"

	"goa.design/goa-ai/core/config"
	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/lock"
	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/run"
)

// NewOutboxDrainStep resets outbox entries left in_flight past staleAfter
// back to pending, the same safety net core/outbox.Processor's own periodic
// recovery runs — wired here too so a stalled or crashed processor replica
// doesn't strand entries until its own recovery loop comes back up.
func NewOutboxDrainStep(store outbox.Store, staleAfter time.Duration) Step {
	return Step{
		Name: "outbox-drain",
		Run: func(ctx context.Context) error {
			stuck, err := store.FetchStuck(ctx, staleAfter)
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				return nil
			}
			ids := make([]string, len(stuck))
			for i, e := range stuck {
				ids[i] = e.ID
			}
			return store.ResetStuck(ctx, ids)
		},
	}
}

// NewDeadLetterReconcileStep re-runs catalog matching and candidate
// generation for every unmatched archive entry (spec §4.6: the reconciler
// that (re)applies the failure catalog as it evolves, not just at
// archive-time). The tenant for each entry is resolved by loading its
// originating run, since Entry itself carries only a RunID.
func NewDeadLetterReconcileStep(archive deadletter.Archive, pipe *deadletter.Pipeline, runs run.Store, batchSize int) Step {
	return Step{
		Name: "dead-letter-reconcile",
		Run: func(ctx context.Context) error {
			entries, err := archive.ListByStatus(ctx, deadletter.StatusUnmatched, batchSize)
			if err != nil {
				return err
			}
			for _, e := range entries {
				tenantID := ""
				if r, err := runs.Load(ctx, e.RunID); err == nil {
					tenantID = r.TenantID
				}
				if _, err := pipe.Reconcile(ctx, e, tenantID); err != nil && !errors.Is(err, deadletter.ErrNoCandidates) {
					return err
				}
			}
			return nil
		},
	}
}

// RetentionTargets bundles the retention-eligible ports the cleanup step
// purges. Any field left nil is skipped, so a deployment missing one port
// (e.g. no separate replay log) still runs the rest of the pass.
type RetentionTargets struct {
	Records   idempotency.Retainer
	ReplayLog idempotency.ReplayRetainer
	Archive   deadletter.Retainer
}

// NewRetentionCleanupStep purges committed idempotency records, replay log
// entries, and recovered dead-letter entries older than their configured
// retention windows (spec §4.6). now defaults to time.Now.
func NewRetentionCleanupStep(targets RetentionTargets, cfg config.RetentionConfig, now func() time.Time) Step {
	if now == nil {
		now = time.Now
	}
	return Step{
		Name: "retention-cleanup",
		Run: func(ctx context.Context) error {
			t := now()
			if targets.Records != nil && cfg.IdempotencyRecordTTL > 0 {
				if _, err := targets.Records.PurgeCommittedBefore(ctx, t.Add(-cfg.IdempotencyRecordTTL)); err != nil {
					return err
				}
			}
			if targets.ReplayLog != nil && cfg.ReplayLogRetention > 0 {
				if _, err := targets.ReplayLog.PurgeCommittedBefore(ctx, t.Add(-cfg.ReplayLogRetention)); err != nil {
					return err
				}
			}
			if targets.Archive != nil && cfg.DeadLetterRetention > 0 {
				if _, err := targets.Archive.PurgeRecoveredBefore(ctx, t.Add(-cfg.DeadLetterRetention)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewLockGCStep purges lease rows for resources nobody will ever
// re-acquire (spec §4.6 lock GC). olderThan should comfortably exceed the
// longest lease any component hands out (outbox leader, maintenance
// leader, run locks) so a momentarily-expired-but-still-relevant lease is
// never mistaken for garbage.
func NewLockGCStep(gc lock.GarbageCollector, olderThan time.Duration) Step {
	return Step{
		Name: "lock-gc",
		Run: func(ctx context.Context) error {
			_, err := gc.GC(ctx, olderThan)
			return err
		},
	}
}

// NewPartitionRotationStep is a deliberate no-op hook: spec.md Open
// Question 3 defers time-partitioning of large archive tables, so this
// step exists only to hold the slot in the fixed step order; it does no
// partitioning.
func NewPartitionRotationStep() Step {
	return Step{
		Name: "partition-rotation",
		Run: func(_ context.Context) error { return nil },
	}
}
