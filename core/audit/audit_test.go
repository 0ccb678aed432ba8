package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/audit"
	"goa.design/goa-ai/core/stream"
)

func TestMemoryAppendAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := audit.NewMemory(func() time.Time { return fixedNow })

	require.NoError(t, ledger.Append(ctx, audit.Record{RunID: "run-1", Kind: "run.created"}))

	records, err := ledger.ListByRun(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].ID)
	require.Equal(t, fixedNow, records[0].At)
}

func TestMemoryListByRunOrdersByTimeAndRespectsMax(t *testing.T) {
	ctx := context.Background()
	ledger := audit.NewMemory(nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Append(ctx, audit.Record{RunID: "run-1", Kind: "b", At: base.Add(2 * time.Second)}))
	require.NoError(t, ledger.Append(ctx, audit.Record{RunID: "run-1", Kind: "a", At: base}))
	require.NoError(t, ledger.Append(ctx, audit.Record{RunID: "run-2", Kind: "other", At: base}))

	records, err := ledger.ListByRun(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", records[0].Kind)
}

func TestStreamFanoutPublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	ledger := audit.NewMemory(nil)
	streams := stream.NewMemory()
	fanout := &audit.StreamFanout{Ledger: ledger, Streams: streams}

	sub, err := streams.Tail(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, fanout.Append(ctx, audit.Record{RunID: "run-1", Kind: "op.succeeded", OpIndex: 3}))

	select {
	case evt := <-sub.Events():
		require.Equal(t, "op.succeeded", evt.Kind)
		require.Equal(t, 3, evt.OpIndex)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out event")
	}

	records, err := fanout.ListByRun(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
