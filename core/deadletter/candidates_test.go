package deadletter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/deadletter"
	"goa.design/goa-ai/core/skillerr"
)

func TestHeuristicSourceProposesCandidateFromCatalogMatch(t *testing.T) {
	cat, err := deadletter.NewCatalog([]deadletter.CatalogRule{
		{Name: "schema-mismatch-email", Kind: skillerr.SchemaMismatch, SkillPattern: `^email\.`, DefaultAction: deadletter.ActionRouteToAltSkill, TargetSkill: "email.send.v2"},
	})
	require.NoError(t, err)

	h := deadletter.HeuristicSource{Catalog: cat}
	cands := h.Propose(context.Background(), deadletter.Entry{ID: "dl-1", Skill: "email.send", FailureKind: skillerr.SchemaMismatch})
	require.Len(t, cands, 1)
	require.Equal(t, deadletter.ActionRouteToAltSkill, cands[0].Action)
	require.Equal(t, deadletter.SourceHeuristic, cands[0].Source)
	require.Equal(t, 1.0, cands[0].Confidence)
	require.NotNil(t, cands[0].Transform)
	require.Equal(t, "email.send.v2", cands[0].Transform.TargetSkill)
}

func TestHeuristicSourceProposesNothingWithoutCatalogMatch(t *testing.T) {
	cat, err := deadletter.NewCatalog(nil)
	require.NoError(t, err)
	h := deadletter.HeuristicSource{Catalog: cat}
	cands := h.Propose(context.Background(), deadletter.Entry{ID: "dl-1", Skill: "email.send", FailureKind: skillerr.SchemaMismatch})
	require.Empty(t, cands)
}

func TestLearnedSourceScoresDownByAttemptPenalty(t *testing.T) {
	l := deadletter.LearnedSource{
		AttemptPenalty: 0.1,
		Stats: func(_ context.Context, kind, skill string) []deadletter.ActionStats {
			return []deadletter.ActionStats{
				{Action: deadletter.ActionRetryAsIs, Successes: 9, Attempts: 10},
			}
		},
	}
	cands := l.Propose(context.Background(), deadletter.Entry{ID: "dl-1", Attempts: 2})
	require.Len(t, cands, 1)
	require.InDelta(t, 0.7, cands[0].Confidence, 1e-9)
	require.Equal(t, deadletter.SourceLearned, cands[0].Source)
}

func TestLearnedSourceClampsConfidenceToZero(t *testing.T) {
	l := deadletter.LearnedSource{
		AttemptPenalty: 0.5,
		Stats: func(_ context.Context, kind, skill string) []deadletter.ActionStats {
			return []deadletter.ActionStats{{Action: deadletter.ActionRetryAsIs, Successes: 1, Attempts: 10}}
		},
	}
	cands := l.Propose(context.Background(), deadletter.Entry{Attempts: 10})
	require.Len(t, cands, 1)
	require.Equal(t, 0.0, cands[0].Confidence)
}

func TestLearnedSourceSkipsActionsWithNoAttempts(t *testing.T) {
	l := deadletter.LearnedSource{
		Stats: func(_ context.Context, kind, skill string) []deadletter.ActionStats {
			return []deadletter.ActionStats{{Action: deadletter.ActionRetryAsIs, Attempts: 0}}
		},
	}
	cands := l.Propose(context.Background(), deadletter.Entry{})
	require.Empty(t, cands)
}

func TestLearnedSourceReturnsNothingWithoutStatsLookup(t *testing.T) {
	var l deadletter.LearnedSource
	cands := l.Propose(context.Background(), deadletter.Entry{})
	require.Empty(t, cands)
}
