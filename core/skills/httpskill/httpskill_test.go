package httpskill_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/skills/httpskill"
)

func TestExecuteEnqueuesOutboxEntry(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory(func() time.Time { return time.Unix(0, 0) })
	var id int
	adapter := &httpskill.Adapter{Outbox: store, NewID: func() string { id++; return "entry-1" }}

	out, err := adapter.Execute(ctx, map[string]any{"method": "POST", "url": "https://example.com/hook"})
	require.NoError(t, err)

	var result httpskill.Result
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, 202, result.StatusCode)

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "http", pending[0].Target)
}

func TestExecuteRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory(nil)
	adapter := &httpskill.Adapter{Outbox: store, NewID: func() string { return "entry-1" }}

	_, err := adapter.Execute(ctx, map[string]any{"method": "POST"})
	require.Error(t, err)
}
