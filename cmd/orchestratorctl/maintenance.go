package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/lock"
	"goa.design/goa-ai/core/maintenance"
	"goa.design/goa-ai/core/outbox"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Drive the maintenance orchestrator's background steps"}
	cmd.AddCommand(newMaintenanceRunOnceCmd())
	return cmd
}

// newMaintenanceRunOnceCmd implements `maintenance run-once`:
// Orchestrator.RunOnce executes every step in fixed order regardless of
// leadership, so the CLI never needs to contend for the leader lease to
// force a pass (maintenance.go's own doc comment on RunOnce).
func newMaintenanceRunOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run every maintenance step once, in fixed order",
		RunE: func(cmd *cobra.Command, args []string) error {
			dep, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			idemStore, err := idempotency.NewMongoStore(idempotency.MongoOptions{Client: dep.client, Database: dep.cfg.Mongo.Database})
			if err != nil {
				return operationErr(fmt.Errorf("build idempotency store: %w", err))
			}
			replayLog, err := idempotency.NewMongoReplayLog(dep.client, dep.cfg.Mongo.Database, idempotency.MongoOptions{})
			if err != nil {
				return operationErr(fmt.Errorf("build replay log: %w", err))
			}

			pipe := &deadletter.Pipeline{
				Archive:    dep.Archive,
				Candidates: dep.Candidates,
				Runs:       dep.Runs,
				NewID:      newID,
			}
			if dep.cfg.Recovery.CatalogPath != "" {
				if catalog, err := deadletter.LoadCatalog(dep.cfg.Recovery.CatalogPath); err == nil {
					pipe.Catalog = catalog
					pipe.Heuristic = deadletter.HeuristicSource{Catalog: catalog}
				}
			}

			steps := []maintenance.Step{
				maintenance.NewOutboxDrainStep(dep.Outbox, outbox.DefaultProcessorConfig().StaleAfter),
				maintenance.NewDeadLetterReconcileStep(dep.Archive, pipe, dep.Runs, 50),
				maintenance.NewRetentionCleanupStep(maintenance.RetentionTargets{
					Records:   idemStore,
					ReplayLog: replayLog,
					Archive:   archiveRetainer(dep.Archive),
				}, dep.cfg.Retention, nil),
				maintenance.NewLockGCStep(lockGC(dep.Locker), dep.cfg.Maintenance.LeaderLease*10),
				maintenance.NewPartitionRotationStep(),
			}

			orchCfg := maintenance.Config{
				LeaderResource: "maintenance-orchestrator",
				LeaderLease:    dep.cfg.Maintenance.LeaderLease,
				Schedule:       dep.cfg.Maintenance.Schedule,
				StepTimeout:    dep.cfg.Maintenance.StepTimeout,
			}
			orch := maintenance.NewOrchestrator(dep.Locker, "orchestratorctl", orchCfg, steps)
			orch.RunOnce(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "maintenance pass complete")
			return nil
		},
	}
	return cmd
}

// archiveRetainer asserts the narrower deadletter.Retainer interface off an
// Archive implementation, returning nil (and thus skipping that part of
// retention cleanup) when the concrete store doesn't support it.
func archiveRetainer(a deadletter.Archive) deadletter.Retainer {
	r, _ := a.(deadletter.Retainer)
	return r
}

// lockGC asserts the narrower lock.GarbageCollector interface off a Locker
// implementation, returning nil when unsupported.
func lockGC(l lock.Locker) lock.GarbageCollector {
	gc, _ := l.(lock.GarbageCollector)
	return gc
}
