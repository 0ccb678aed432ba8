package deadletter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/run"
	"goa.design/goa-ai/core/skillerr"
)

func newIDSequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestPipelineAutoApprovesAndReinjectsHighConfidenceCandidate covers spec
// scenario S4: a tenant policy with an auto-approve threshold of 0.8 against
// a deterministic catalog match (confidence 1.0) reinjects without a human
// in the loop, leaves the original run untouched, and marks the archive
// entry recovered.
func TestPipelineAutoApprovesAndReinjectsHighConfidenceCandidate(t *testing.T) {
	ctx := context.Background()
	runs := run.NewMemory(nil)
	archive := deadletter.NewMemoryArchive(nil)
	candidates := deadletter.NewMemoryCandidateStore(nil)
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "rate-limited-slack", Kind: skillerr.RateLimited, SkillPattern: `^slack\.`, DefaultAction: deadletter.ActionRetryAsIs},
	})
	require.NoError(t, err)

	parent, err := runs.Create(ctx, run.Run{ID: "run-parent", TenantID: "tenant-a", AgentID: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, runs.TransitionStatus(ctx, parent.ID, run.StatusFailed, 0))

	entry := deadletter.Entry{
		ID:              "dl-1",
		RunID:           parent.ID,
		OpIndex:         3,
		Skill:           "slack.postMessage",
		CanonicalParams: mustJSON(t, map[string]any{"channel": "#ops"}),
		FailureKind:     skillerr.RateLimited,
		Attempts:        2,
	}
	require.NoError(t, archive.Append(ctx, entry))

	pipe := deadletter.Pipeline{
		Archive:    archive,
		Candidates: candidates,
		Catalog:    cat,
		Heuristic:  deadletter.HeuristicSource{Catalog: cat},
		Runs:       runs,
		NewID:      newIDSequence("cand"),
		Policy: func(tenantID string) deadletter.RecoveryPolicy {
			require.Equal(t, "tenant-a", tenantID)
			return deadletter.RecoveryPolicy{TenantID: tenantID, AutoApproveThreshold: 0.8}
		},
	}

	cands, err := pipe.Reconcile(ctx, entry, "tenant-a")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, deadletter.CandidateApproved, cands[0].Status)

	matched, err := archive.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, "rate-limited-slack", matched.CatalogMatch)
	require.Equal(t, deadletter.StatusMatched, matched.Status)

	child, err := pipe.Execute(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", child.TenantID)
	require.Equal(t, "agent-1", child.AgentID)
	require.Equal(t, parent.ID, child.ParentRunID)
	require.Equal(t, run.StatusQueued, child.Status)
	require.Len(t, child.Plan, 1)
	require.Equal(t, "slack.postMessage", child.Plan[0].Skill)

	// original run is untouched: still terminal-failed.
	reloadedParent, err := runs.Load(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, reloadedParent.Status)

	recovered, err := archive.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, deadletter.StatusRecovered, recovered.Status)

	executedCandidate, err := candidates.Get(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, deadletter.CandidateExecuted, executedCandidate.Status)
	require.Equal(t, child.ID, executedCandidate.ChildRunID)
}

// TestPipelineLeavesLowConfidenceCandidateForManualApproval covers the
// below-threshold branch of the same gate: the candidate stays "proposed"
// until a human calls Approve.
func TestPipelineLeavesLowConfidenceCandidateForManualApproval(t *testing.T) {
	ctx := context.Background()
	runs := run.NewMemory(nil)
	archive := deadletter.NewMemoryArchive(nil)
	candidates := deadletter.NewMemoryCandidateStore(nil)
	cat, err := deadletter.NewCatalog(nil)
	require.NoError(t, err)

	parent, err := runs.Create(ctx, run.Run{ID: "run-parent", TenantID: "tenant-b", AgentID: "agent-2"})
	require.NoError(t, err)
	require.NoError(t, runs.TransitionStatus(ctx, parent.ID, run.StatusFailed, 0))

	entry := deadletter.Entry{
		ID:              "dl-2",
		RunID:           parent.ID,
		Skill:           "email.send",
		CanonicalParams: mustJSON(t, map[string]any{"to": "a@example.com"}),
		FailureKind:     skillerr.SchemaMismatch,
		Attempts:        3,
	}
	require.NoError(t, archive.Append(ctx, entry))

	learned := &deadletter.LearnedSource{
		AttemptPenalty: 0.1,
		Stats: func(_ context.Context, kind, skill string) []deadletter.ActionStats {
			return []deadletter.ActionStats{{Action: deadletter.ActionRetryAsIs, Successes: 6, Attempts: 10}}
		},
	}
	pipe := deadletter.Pipeline{
		Archive:    archive,
		Candidates: candidates,
		Catalog:    cat,
		Heuristic:  deadletter.HeuristicSource{Catalog: cat},
		Learned:    learned,
		Runs:       runs,
		NewID:      newIDSequence("cand"),
		Policy: func(tenantID string) deadletter.RecoveryPolicy {
			return deadletter.RecoveryPolicy{TenantID: tenantID, AutoApproveThreshold: 0.8}
		},
	}

	cands, err := pipe.Reconcile(ctx, entry, "tenant-b")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, deadletter.CandidateProposed, cands[0].Status)
	require.Less(t, cands[0].Confidence, 0.8)

	_, err = pipe.Execute(ctx, cands[0].ID)
	require.Error(t, err)

	require.NoError(t, pipe.Approve(ctx, cands[0].ID, "oncall@example.com", true))
	child, err := pipe.Execute(ctx, cands[0].ID)
	require.NoError(t, err)
	require.Equal(t, "tenant-b", child.TenantID)
}

func TestPipelineReconcileReturnsErrNoCandidatesWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	archive := deadletter.NewMemoryArchive(nil)
	candidates := deadletter.NewMemoryCandidateStore(nil)
	cat, err := deadletter.NewCatalog(nil)
	require.NoError(t, err)

	pipe := deadletter.Pipeline{
		Archive:    archive,
		Candidates: candidates,
		Catalog:    cat,
		Heuristic:  deadletter.HeuristicSource{Catalog: cat},
		Runs:       run.NewMemory(nil),
		NewID:      newIDSequence("cand"),
	}

	entry := deadletter.Entry{ID: "dl-3", Skill: "unknown.skill", FailureKind: skillerr.InternalInvariant}
	require.NoError(t, archive.Append(ctx, entry))

	_, err = pipe.Reconcile(ctx, entry, "tenant-c")
	require.ErrorIs(t, err, deadletter.ErrNoCandidates)
}

func TestBuildRetryStepRejectsAbortAction(t *testing.T) {
	ctx := context.Background()
	runs := run.NewMemory(nil)
	archive := deadletter.NewMemoryArchive(nil)
	candidates := deadletter.NewMemoryCandidateStore(nil)

	parent, err := runs.Create(ctx, run.Run{ID: "run-parent", TenantID: "tenant-d"})
	require.NoError(t, err)
	require.NoError(t, runs.TransitionStatus(ctx, parent.ID, run.StatusFailed, 0))

	entry := deadletter.Entry{ID: "dl-4", RunID: parent.ID, Skill: "email.send"}
	require.NoError(t, archive.Append(ctx, entry))

	cand := deadletter.Candidate{ID: "cand-abort", DeadLetterID: entry.ID, Action: deadletter.ActionAbort, Status: deadletter.CandidateApproved}
	require.NoError(t, candidates.Propose(ctx, cand))

	pipe := deadletter.Pipeline{Archive: archive, Candidates: candidates, Runs: runs, NewID: newIDSequence("run")}
	_, err = pipe.Execute(ctx, cand.ID)
	require.Error(t, err)
}
