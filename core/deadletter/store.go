package deadletter

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested entry or candidate does not exist.
var ErrNotFound = errors.New("deadletter: not found")

// Archive is the append-only dead-letter store (spec §4.5: "Archive is
// append-only"). Implementations never mutate Entry.CanonicalParams,
// Entry.LastError, or any other "what happened" field after Append;
// UpdateCatalogMatch and MarkRecovered are the only permitted post-append
// mutations, and they only ever touch Status/CatalogMatch.
type Archive interface {
	// Append records a newly dead-lettered operation. It is an error to
	// append twice for the same (run id, op index).
	Append(ctx context.Context, e Entry) error
	// Get returns the archived entry by id.
	Get(ctx context.Context, id string) (Entry, error)
	// ListByStatus returns up to max entries in the given status, oldest
	// first — used by the reconciler (unmatched) and by CLI listing (any).
	ListByStatus(ctx context.Context, status EntryStatus, max int) ([]Entry, error)
	// UpdateCatalogMatch records a (re)match against the failure catalog,
	// advancing Status from unmatched to matched.
	UpdateCatalogMatch(ctx context.Context, id, catalogMatch string) error
	// MarkRecovered advances Status to recovered once a candidate for this
	// entry has executed.
	MarkRecovered(ctx context.Context, id string) error
}

// Retainer is implemented by an Archive that can purge recovered entries
// past their retention window — the maintenance orchestrator's
// retention-cleanup step (spec §4.6). Unmatched/matched entries are never
// purged by retention: only a recovered (or otherwise terminally resolved)
// entry is safe to drop.
type Retainer interface {
	PurgeRecoveredBefore(ctx context.Context, archivedBefore time.Time) (int, error)
}

// CandidateStore persists recovery candidates and their approval state.
type CandidateStore interface {
	// Propose records a newly generated candidate in CandidateProposed status.
	Propose(ctx context.Context, c Candidate) error
	// Get returns a candidate by id.
	Get(ctx context.Context, id string) (Candidate, error)
	// ListByDeadLetter returns every candidate proposed for a dead-letter id.
	ListByDeadLetter(ctx context.Context, deadLetterID string) ([]Candidate, error)
	// ListPendingApproval returns proposed candidates awaiting a manual
	// decision, oldest first.
	ListPendingApproval(ctx context.Context, max int) ([]Candidate, error)
	// Decide transitions a proposed candidate to approved or rejected.
	Decide(ctx context.Context, id string, approve bool, approver string) error
	// MarkExecuted transitions an approved candidate to executed, recording
	// the child run id created by reinjection.
	MarkExecuted(ctx context.Context, id, childRunID string) error
}

// RecoveryPolicy is the tenant-scoped approval-gating policy (spec §4.5:
// "two approval modes per tenant policy: auto ... and manual").
type RecoveryPolicy struct {
	TenantID string
	// AutoApproveThreshold: candidates with Confidence >= this execute
	// automatically; below it they queue for manual approval. Spec.md
	// leaves the exact numeric threshold as an Open Question (§9.2); this
	// core defaults it to 0.8, matching the spec's own S4 scenario
	// ("Tenant policy: auto-approve ≥ 0.8").
	AutoApproveThreshold float64
}

// DefaultAutoApproveThreshold is the default policy value (spec §8 S4,
// spec §9 Open Question 2).
const DefaultAutoApproveThreshold = 0.8

// DefaultRecoveryPolicy returns the fallback policy for a tenant with no
// explicit override on file.
func DefaultRecoveryPolicy(tenantID string) RecoveryPolicy {
	return RecoveryPolicy{TenantID: tenantID, AutoApproveThreshold: DefaultAutoApproveThreshold}
}

// Gate decides whether a freshly proposed candidate should auto-execute.
func (p RecoveryPolicy) Gate(c Candidate) CandidateStatus {
	if c.Confidence >= p.AutoApproveThreshold {
		return CandidateApproved
	}
	return CandidateProposed
}
