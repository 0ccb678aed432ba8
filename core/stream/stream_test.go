package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/stream"
)

func TestMemoryTailReceivesPublishedEvents(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemory()

	sub, err := s.Tail(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, s.Publish(ctx, stream.Event{RunID: "run-1", Kind: "op.succeeded", OpIndex: 2}))

	select {
	case evt := <-sub.Events():
		require.Equal(t, "run-1", evt.RunID)
		require.Equal(t, "op.succeeded", evt.Kind)
		require.Equal(t, 2, evt.OpIndex)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryTailIsScopedToRun(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemory()

	sub, err := s.Tail(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.NoError(t, s.Publish(ctx, stream.Event{RunID: "run-2", Kind: "op.succeeded"}))

	select {
	case <-sub.Events():
		t.Fatal("received event published to a different run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := stream.NewMemory()

	sub, err := s.Tail(ctx, "run-1")
	require.NoError(t, err)
	sub.Close(ctx)

	_, ok := <-sub.Events()
	require.False(t, ok)
}
