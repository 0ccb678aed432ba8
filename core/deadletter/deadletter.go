// Package deadletter implements the Dead-Letter Archive & Recovery
// Candidate Pipeline (spec §4.5, C5): every terminally-failed operation is
// archived, matched against a failure catalog, scored into recovery
// candidates, and — once approved — reinjected as a new run.
package deadletter

import (
	"time"

	"goa.design/goa-ai/core/skillerr"
)

// Entry is one archived terminal failure (spec §3, Dead-letter entry).
type Entry struct {
	ID             string
	RunID          string
	OpIndex        int
	Skill          string
	CanonicalParams []byte
	FailureKind    skillerr.Kind
	LastError      string
	CatalogMatch   string // name of the matched catalog rule, empty if unmatched
	Attempts       int
	PriorErrors    []string
	ArchivedAt     time.Time
	Replayable     bool
	Status         EntryStatus
}

// EntryStatus tracks an archived entry's progress through reconciliation
// and recovery, beyond spec.md's bare "archive is append-only" framing —
// needed so the maintenance reconciler (C6) knows which entries still need
// a catalog (re)match and which have already produced a recovered child run.
type EntryStatus string

const (
	// StatusUnmatched has no catalog match yet (CatalogMatch == "").
	StatusUnmatched EntryStatus = "unmatched"
	// StatusMatched has a catalog match but no decided candidate yet.
	StatusMatched EntryStatus = "matched"
	// StatusRecovered has an executed candidate that produced a child run
	// (spec §8 S4: "dead-letter entry marked recovered").
	StatusRecovered EntryStatus = "recovered"
)

// Action is a proposed recovery action (spec §3, Recovery candidate).
type Action string

const (
	ActionRetryAsIs        Action = "retry-as-is"
	ActionRetryWithTransform Action = "retry-with-transform"
	ActionRouteToAltSkill   Action = "route-to-alt-skill"
	ActionAbort             Action = "abort"
)

// CandidateSource identifies which generator proposed a candidate.
type CandidateSource string

const (
	SourceHeuristic CandidateSource = "heuristic"
	SourceLearned   CandidateSource = "learned"
)

// CandidateStatus is a recovery candidate's approval lifecycle state.
type CandidateStatus string

const (
	CandidateProposed CandidateStatus = "proposed"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
	CandidateExecuted CandidateStatus = "executed"
)

// Candidate is a proposed recovery action for a dead-letter entry (spec §3,
// Recovery candidate).
type Candidate struct {
	ID              string
	DeadLetterID    string
	Action          Action
	Transform       *TransformDescriptor
	Confidence      float64
	Source          CandidateSource
	Status          CandidateStatus
	Approver        string
	DecidedAt       time.Time
	ChildRunID      string // set once Status == CandidateExecuted
	CreatedAt       time.Time
}

// TransformDescriptor describes how to transform the original params for
// retry-with-transform and route-to-alt-skill candidates.
type TransformDescriptor struct {
	// TargetSkill is set for route-to-alt-skill.
	TargetSkill string
	// ParamPatch is a set of dot-path -> replacement-value overrides applied
	// to the original canonical params before reinjection.
	ParamPatch map[string]any
}
