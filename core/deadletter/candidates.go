package deadletter

import (
	"context"
	"sort"
)

// HeuristicSource generates deterministic recovery candidates straight from
// a catalog match (spec §4.5: "Deterministic rules from the catalog, e.g.
// RateLimited -> retry-with-backoff; SchemaMismatch on a known adapter ->
// route-to-alt-skill(X)").
type HeuristicSource struct {
	Catalog *Catalog
}

// Propose returns zero or one heuristic candidate for e, depending on
// whether the catalog has a match and that match names an action.
func (h HeuristicSource) Propose(_ context.Context, e Entry) []Candidate {
	rule, ok := h.Catalog.Match(MatchInput{Kind: e.FailureKind, Skill: e.Skill})
	if !ok || rule.DefaultAction == "" {
		return nil
	}
	c := Candidate{
		DeadLetterID: e.ID,
		Action:       rule.DefaultAction,
		Confidence:   1.0, // a catalog rule match is a deterministic, not a probabilistic, signal
		Source:       SourceHeuristic,
		Status:       CandidateProposed,
	}
	if rule.DefaultAction == ActionRouteToAltSkill && rule.TargetSkill != "" {
		c.Transform = &TransformDescriptor{TargetSkill: rule.TargetSkill}
	}
	return []Candidate{c}
}

// ActionStats summarises one action's historical outcomes for a given
// (kind, skill) feature bucket, the "historical success of each action"
// feature spec §4.5 names for the learned source. The provider is not part
// of the bucket.
type ActionStats struct {
	Action       Action
	Successes    int
	Attempts     int
}

// SuccessRate returns Successes/Attempts, or 0 if Attempts is 0.
func (s ActionStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// StatsLookup resolves historical ActionStats for a feature bucket — an
// aggregation query against the dead-letter archive in production, a fixed
// fake in tests.
type StatsLookup func(ctx context.Context, kind string, skill string) []ActionStats

// LearnedSource scores candidates with a small linear weighting over a
// fixed feature set (kind, skill, attempts, historical action success
// rate), grounded in the teacher's agents/expr-family small deterministic
// scoring expressions — generalised here from "agent planner expression
// evaluation" to "recovery action scoring". Deliberately not a trained
// model or general ML pipeline (spec §4.5 Non-goals).
type LearnedSource struct {
	Stats StatsLookup
	// AttemptPenalty is subtracted from confidence per prior attempt,
	// reflecting that an action repeatedly failing for this op is less
	// likely to work a third time.
	AttemptPenalty float64
}

// DefaultAttemptPenalty is the learned source's default per-attempt penalty.
const DefaultAttemptPenalty = 0.1

// Propose scores one candidate per action with nonzero historical data,
// ranked highest-confidence first.
func (l LearnedSource) Propose(ctx context.Context, e Entry) []Candidate {
	if l.Stats == nil {
		return nil
	}
	penalty := l.AttemptPenalty
	if penalty <= 0 {
		penalty = DefaultAttemptPenalty
	}
	stats := l.Stats(ctx, string(e.FailureKind), e.Skill)
	var out []Candidate
	for _, s := range stats {
		if s.Attempts == 0 {
			continue
		}
		confidence := s.SuccessRate() - penalty*float64(e.Attempts)
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		out = append(out, Candidate{
			DeadLetterID: e.ID,
			Action:       s.Action,
			Confidence:   confidence,
			Source:       SourceLearned,
			Status:       CandidateProposed,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
