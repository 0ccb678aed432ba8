package slackskill_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/skills/slackskill"
)

func TestExecuteEnqueuesOutboxEntryWithDedupKey(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory(func() time.Time { return time.Unix(0, 0) })
	adapter := &slackskill.Adapter{Outbox: store, NewID: func() string { return "entry-1" }}

	_, err := adapter.Execute(ctx, map[string]any{
		"channel":   "#ops",
		"text":      "run failed",
		"dedup_key": "run-42-alert",
	})
	require.NoError(t, err)

	pending, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "slack", pending[0].Target)
	require.Equal(t, "run-42-alert", pending[0].IdempotencyKey)
}

func TestExecuteRejectsMissingText(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory(nil)
	adapter := &slackskill.Adapter{Outbox: store, NewID: func() string { return "entry-1" }}

	_, err := adapter.Execute(ctx, map[string]any{"channel": "#ops"})
	require.Error(t, err)
}
