// Package registry implements the Skill Registry (spec §4.7, C7): durable
// storage of skill descriptor metadata, distinct from core/skills.Catalog
// (which wires a live Adapter to its runtime policy in a single process).
// The registry lets a fleet of orchestrator replicas discover which skills
// are available cluster-wide without sharing adapter code, grounded in
// registry/store.go's Store interface and its memory/mongo/replicated
// implementation split.
package registry

import (
	"context"
	"errors"
	"time"

	"goa.design/goa-ai/core/skillerr"
)

// ErrNotFound indicates no descriptor is registered under the given name.
var ErrNotFound = errors.New("registry: skill not found")

// IdempotencyScope describes how a skill's downstream effect is
// deduplicated, reused from the teacher's tools.IdempotencyScope idiom
// (runtime/agent/tools/idempotency.go) and generalized from "tool call" to
// "skill invocation".
type IdempotencyScope string

const (
	// ScopeNone indicates the skill has no externally-visible side effect
	// (e.g. a pure computation) and needs no downstream dedup key.
	ScopeNone IdempotencyScope = "none"
	// ScopePerOp scopes the downstream idempotency key to (run, op index):
	// retries of the same op reuse the same downstream key.
	ScopePerOp IdempotencyScope = "per_op"
	// ScopePerRun scopes the downstream idempotency key to the run as a
	// whole, for skills whose effect should happen at most once per run
	// regardless of which op triggers it.
	ScopePerRun IdempotencyScope = "per_run"
)

// Descriptor is the durable, cluster-visible record of one registered skill
// (spec §3, Skill Descriptor). It is metadata only — no adapter code — so it
// can be replicated and queried without importing the skill's implementation
// package.
type Descriptor struct {
	// Skill is the unique skill name, e.g. "http.post", "slack.send".
	Skill string
	// ParamSchema is the skill's param JSON Schema; the in-process Catalog
	// entry carries the same bytes on skills.Descriptor.ParamSchema, validated
	// via github.com/santhosh-tekuri/jsonschema/v6 in Runtime.Execute before
	// the adapter runs.
	ParamSchema []byte
	// DefaultRetryable overrides skillerr.DefaultRetryable for specific
	// kinds, mirroring skills.Descriptor.RetryableOverride.
	DefaultRetryable map[skillerr.Kind]bool
	// ProducesOutboxEffect indicates invoking this skill enqueues an
	// outbox entry rather than completing synchronously.
	ProducesOutboxEffect bool
	// IdempotencyScope is the skill's downstream dedup scope.
	IdempotencyScope IdempotencyScope
	// RegisteredAt is when this descriptor version was last written.
	RegisteredAt time.Time
}

// Store persists skill Descriptors for cluster-wide discovery. Implementations
// must be safe for concurrent use.
type Store interface {
	// Register stores or replaces a descriptor by Skill name.
	Register(ctx context.Context, d Descriptor) error
	// Lookup returns the descriptor for name, or ErrNotFound.
	Lookup(ctx context.Context, name string) (Descriptor, error)
	// List returns every registered descriptor, ordered by Skill name.
	List(ctx context.Context) ([]Descriptor, error)
	// Deregister removes a descriptor by name. Returns ErrNotFound if it
	// does not exist.
	Deregister(ctx context.Context, name string) error
}
