package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/goa-ai/core/run"
)

// PolicyResolver resolves the effective RecoveryPolicy for a tenant.
type PolicyResolver func(tenantID string) RecoveryPolicy

// Pipeline ties the catalog match, candidate generation, approval gating,
// and reinjection steps together (spec §4.5 end to end).
type Pipeline struct {
	Archive    Archive
	Candidates CandidateStore
	Catalog    *Catalog
	Heuristic  HeuristicSource
	Learned    *LearnedSource // optional; nil disables the learned source
	Policy     PolicyResolver
	Runs       run.Store
	NewID      func() string
}

// ErrNoCandidates indicates Propose generated no recovery candidates for
// an entry (e.g. no catalog match and no learned statistics).
var ErrNoCandidates = fmt.Errorf("deadletter: no recovery candidates generated")

// Reconcile matches an unmatched (or freshly appended) archive entry
// against the catalog, records the match, and generates + gates recovery
// candidates for it (spec §4.5, §4.6 dead-letter reconciler).
func (p *Pipeline) Reconcile(ctx context.Context, e Entry, tenantID string) ([]Candidate, error) {
	if rule, ok := p.Catalog.Match(MatchInput{Kind: e.FailureKind, Skill: e.Skill}); ok {
		if err := p.Archive.UpdateCatalogMatch(ctx, e.ID, rule.Name); err != nil {
			return nil, err
		}
		e.CatalogMatch = rule.Name
		e.Status = StatusMatched
	}

	var candidates []Candidate
	candidates = append(candidates, p.Heuristic.Propose(ctx, e)...)
	if p.Learned != nil {
		candidates = append(candidates, p.Learned.Propose(ctx, e)...)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	policy := RecoveryPolicy{AutoApproveThreshold: DefaultAutoApproveThreshold}
	if p.Policy != nil {
		policy = p.Policy(tenantID)
	}

	now := time.Now().UTC()
	for i := range candidates {
		candidates[i].ID = p.NewID()
		candidates[i].CreatedAt = now
		candidates[i].Status = policy.Gate(candidates[i])
		if err := p.Candidates.Propose(ctx, candidates[i]); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// Approve records a human decision on a manually-queued candidate.
func (p *Pipeline) Approve(ctx context.Context, candidateID, approver string, approve bool) error {
	return p.Candidates.Decide(ctx, candidateID, approve, approver)
}

// Execute reinjects an approved candidate as a new, parent-linked run
// (spec §4.5 Reinjection). The new run flows through the same
// queue/idempotency pipeline as any agent-submitted run; the original run
// is never mutated (spec §9 invariant — terminal runs stay terminal).
func (p *Pipeline) Execute(ctx context.Context, candidateID string) (run.Run, error) {
	c, err := p.Candidates.Get(ctx, candidateID)
	if err != nil {
		return run.Run{}, err
	}
	if c.Status != CandidateApproved {
		return run.Run{}, fmt.Errorf("deadletter: candidate %s is not approved", candidateID)
	}
	entry, err := p.Archive.Get(ctx, c.DeadLetterID)
	if err != nil {
		return run.Run{}, err
	}
	parent, err := p.Runs.Load(ctx, entry.RunID)
	if err != nil {
		return run.Run{}, err
	}

	step, err := buildRetryStep(entry, c)
	if err != nil {
		return run.Run{}, err
	}

	child := run.Run{
		ID:          p.NewID(),
		TenantID:    parent.TenantID,
		AgentID:     parent.AgentID,
		ParentRunID: entry.RunID,
		Plan:        []run.StepDescriptor{step},
		Status:      run.StatusQueued,
	}
	created, err := p.Runs.Create(ctx, child)
	if err != nil {
		return run.Run{}, err
	}

	if err := p.Candidates.MarkExecuted(ctx, candidateID, created.ID); err != nil {
		return run.Run{}, err
	}
	if err := p.Archive.MarkRecovered(ctx, entry.ID); err != nil {
		return run.Run{}, err
	}
	return created, nil
}

// buildRetryStep constructs the single-step plan a recovery candidate
// reinjects, applying the candidate's transform (skill reroute and/or
// param patch) to the archived entry's canonical params.
func buildRetryStep(e Entry, c Candidate) (run.StepDescriptor, error) {
	var params map[string]any
	if len(e.CanonicalParams) > 0 {
		if err := json.Unmarshal(e.CanonicalParams, &params); err != nil {
			return run.StepDescriptor{}, fmt.Errorf("deadletter: decode canonical params: %w", err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	skill := e.Skill
	switch c.Action {
	case ActionAbort:
		return run.StepDescriptor{}, fmt.Errorf("deadletter: candidate %s action is abort, not reinjectable", c.ID)
	case ActionRouteToAltSkill:
		if c.Transform != nil && c.Transform.TargetSkill != "" {
			skill = c.Transform.TargetSkill
		}
	}
	if c.Transform != nil {
		for k, v := range c.Transform.ParamPatch {
			params[k] = v
		}
	}
	return run.StepDescriptor{Skill: skill, Params: params}, nil
}
