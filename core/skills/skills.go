// Package skills implements the Skill Execution Contract (spec §4.3, C3):
// the adapter seam every skill body satisfies, and the runtime wrapper that
// enforces budget, deadline, circuit-breaker, and idempotency around every
// call.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/goa-ai/core/skillerr"
)

// Adapter is the seam every skill body implements, analogous to the
// teacher's tool/provider seam in runtime/agent/tools: a small, swappable
// unit of external-effect logic the runtime wraps with cross-cutting
// concerns rather than each skill reimplementing them.
type Adapter interface {
	// Execute runs the skill body against canonical params, returning the
	// raw result bytes to be canonicalised and persisted by the caller.
	Execute(ctx context.Context, params map[string]any) ([]byte, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, params map[string]any) ([]byte, error)

// Execute implements Adapter.
func (f AdapterFunc) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	return f(ctx, params)
}

// Descriptor is a catalog entry describing one registered skill: its
// adapter, the external target its circuit breaker should key on, its
// budget cost, and any retryability overrides layered on top of
// skillerr.DefaultRetryable (spec §4.3, §7).
type Descriptor struct {
	Skill             string
	Target            string
	Adapter           Adapter
	Timeout           time.Duration
	BudgetCost        int
	RetryableOverride map[skillerr.Kind]bool
	BreakerSettings   BreakerSettings
	// ParamSchema is an optional JSON Schema (draft 2020-12) that incoming
	// params must satisfy before the adapter runs, validated with
	// github.com/santhosh-tekuri/jsonschema/v6 (spec §4.3 param validation).
	// Nil skips validation.
	ParamSchema []byte
}

// ValidateParams checks params against ParamSchema, a no-op when no schema
// is configured.
func (d Descriptor) ValidateParams(params map[string]any) error {
	if len(d.ParamSchema) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(d.ParamSchema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal param schema for %s: %w", d.Skill, err)
	}
	c := jsonschema.NewCompiler()
	resource := d.Skill + "#params.json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("add param schema resource for %s: %w", d.Skill, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile param schema for %s: %w", d.Skill, err)
	}
	return schema.Validate(params)
}

// Retryable reports whether kind is retryable for this skill, consulting
// the descriptor's override table before falling back to the package-wide
// default (spec §7).
func (d Descriptor) Retryable(kind skillerr.Kind) bool {
	if d.RetryableOverride != nil {
		if v, ok := d.RetryableOverride[kind]; ok {
			return v
		}
	}
	return skillerr.DefaultRetryable(kind)
}

// Catalog is the in-process registry of skill descriptors. It is distinct
// from core/skills/registry.Store: the catalog is local configuration
// wiring an adapter to its runtime policy; the registry store persists
// descriptor metadata for discovery across a cluster (spec §4.3, C7).
type Catalog struct {
	entries map[string]Descriptor
}

// NewCatalog builds an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Descriptor)}
}

// Register adds or replaces a descriptor.
func (c *Catalog) Register(d Descriptor) {
	c.entries[d.Skill] = d
}

// Lookup returns the descriptor for the named skill.
func (c *Catalog) Lookup(skill string) (Descriptor, bool) {
	d, ok := c.entries[skill]
	return d, ok
}
