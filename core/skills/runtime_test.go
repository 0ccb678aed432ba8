package skills_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/canonical"
	"goa.design/goa-ai/core/idempotency"
	"goa.design/goa-ai/core/skillerr"
	"goa.design/goa-ai/core/skills"
)

func newTestRuntime(adapter skills.Adapter) (*skills.Runtime, *skills.Catalog) {
	catalog := skills.NewCatalog()
	catalog.Register(skills.Descriptor{
		Skill:      "echo",
		Target:     "local",
		Adapter:    adapter,
		BudgetCost: 1,
	})
	budget := skills.NewBudgetTracker()
	budget.Grant("run-1", 10)
	rt := skills.NewRuntime(catalog, skills.NewBreakerBank(), budget, idempotency.NewMemory(nil))
	return rt, catalog
}

func TestExecuteSucceedsAndCommits(t *testing.T) {
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	rt, _ := newTestRuntime(adapter)

	res, err := rt.Execute(context.Background(), "run-1", 0, "echo", "worker-1", map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.False(t, res.Cached)
}

func TestExecuteReplaysCachedResultWithoutReinvokingAdapter(t *testing.T) {
	calls := 0
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	})
	rt, _ := newTestRuntime(adapter)
	ctx := context.Background()

	_, err := rt.Execute(ctx, "run-1", 0, "echo", "worker-1", map[string]any{"x": 1})
	require.NoError(t, err)

	res, err := rt.Execute(ctx, "run-1", 0, "echo", "worker-2", map[string]any{"x": 1})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Equal(t, 1, calls, "a cached result must not re-invoke the adapter")
}

func TestExecuteRejectsBudgetExceeded(t *testing.T) {
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	catalog := skills.NewCatalog()
	catalog.Register(skills.Descriptor{Skill: "echo", Target: "local", Adapter: adapter, BudgetCost: 100})
	budget := skills.NewBudgetTracker()
	budget.Grant("run-1", 1)
	rt := skills.NewRuntime(catalog, skills.NewBreakerBank(), budget, idempotency.NewMemory(nil))

	res, err := rt.Execute(context.Background(), "run-1", 0, "echo", "worker-1", nil)
	require.NoError(t, err)
	require.False(t, res.Succeeded())
	require.Equal(t, skillerr.BudgetExceeded, res.Failure.Kind)
	require.False(t, res.Failure.Retryable)
}

func TestExecuteClassifiesAdapterFailureAsTransientByDefault(t *testing.T) {
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		return nil, errors.New("connection reset")
	})
	rt, _ := newTestRuntime(adapter)

	res, err := rt.Execute(context.Background(), "run-1", 0, "echo", "worker-1", nil)
	require.NoError(t, err)
	require.False(t, res.Succeeded())
	require.Equal(t, skillerr.Transient, res.Failure.Kind)
	require.True(t, res.Failure.Retryable)
}

func TestExecuteRejectsParamsFailingSchemaValidation(t *testing.T) {
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	catalog := skills.NewCatalog()
	catalog.Register(skills.Descriptor{
		Skill:  "echo",
		Target: "local",
		Adapter: adapter,
		ParamSchema: []byte(`{
			"type": "object",
			"properties": {"x": {"type": "integer"}},
			"required": ["x"]
		}`),
	})
	budget := skills.NewBudgetTracker()
	budget.Grant("run-1", 10)
	rt := skills.NewRuntime(catalog, skills.NewBreakerBank(), budget, idempotency.NewMemory(nil))

	res, err := rt.Execute(context.Background(), "run-1", 0, "echo", "worker-1", map[string]any{"x": "not-an-integer"})
	require.NoError(t, err)
	require.False(t, res.Succeeded())
	require.Equal(t, skillerr.SchemaMismatch, res.Failure.Kind)
	require.False(t, res.Failure.Retryable)
}

func TestExecuteReturnsContendedForDifferentOwnerInFlight(t *testing.T) {
	blockCh := make(chan struct{})
	adapter := skills.AdapterFunc(func(_ context.Context, params map[string]any) ([]byte, error) {
		<-blockCh
		return []byte(`{"ok":true}`), nil
	})
	rt, _ := newTestRuntime(adapter)

	idem := idempotency.NewMemory(nil)
	rt.Idem = idem
	canonParams, err := canonical.Params(nil)
	require.NoError(t, err)
	fingerprint := canonical.Fingerprint("echo", canonParams, 0)
	_, err = idem.ClaimOrReturn(context.Background(), "run-1/0", fingerprint, "worker-1", time.Minute)
	require.NoError(t, err)

	_, err = rt.Execute(context.Background(), "run-1", 0, "echo", "worker-2", nil)
	require.ErrorIs(t, err, skills.ErrContended)
	close(blockCh)
}
