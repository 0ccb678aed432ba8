package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/skillerr"
	"goa.design/goa-ai/core/skills/registry"
)

func TestMemoryRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.NewMemory(func() time.Time { return fixedNow })

	d := registry.Descriptor{
		Skill:            "slack.send",
		IdempotencyScope: registry.ScopePerOp,
		DefaultRetryable: map[skillerr.Kind]bool{skillerr.RateLimited: true},
	}
	require.NoError(t, reg.Register(ctx, d))

	got, err := reg.Lookup(ctx, "slack.send")
	require.NoError(t, err)
	require.Equal(t, "slack.send", got.Skill)
	require.Equal(t, registry.ScopePerOp, got.IdempotencyScope)
	require.Equal(t, fixedNow, got.RegisteredAt)
	require.True(t, got.DefaultRetryable[skillerr.RateLimited])
}

func TestMemoryLookupMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(nil)
	_, err := reg.Lookup(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestMemoryListOrdersBySkillName(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(nil)
	require.NoError(t, reg.Register(ctx, registry.Descriptor{Skill: "slack.send"}))
	require.NoError(t, reg.Register(ctx, registry.Descriptor{Skill: "http.post"}))
	require.NoError(t, reg.Register(ctx, registry.Descriptor{Skill: "kv.set"}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{"http.post", "kv.set", "slack.send"}, []string{list[0].Skill, list[1].Skill, list[2].Skill})
}

func TestMemoryDeregisterRemovesDescriptor(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(nil)
	require.NoError(t, reg.Register(ctx, registry.Descriptor{Skill: "http.post"}))
	require.NoError(t, reg.Deregister(ctx, "http.post"))
	_, err := reg.Lookup(ctx, "http.post")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestMemoryDeregisterMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(nil)
	require.ErrorIs(t, reg.Deregister(ctx, "missing"), registry.ErrNotFound)
}
