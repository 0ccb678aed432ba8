package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/lock"
)

func TestAcquireRejectsConcurrentHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := lock.NewMemory(func() time.Time { return now })

	_, err := l.Acquire(ctx, "run:r1", "worker-a", 30*time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "run:r1", "worker-b", 30*time.Second)
	require.ErrorIs(t, err, lock.ErrHeldByOther)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := lock.NewMemory(func() time.Time { return now })

	lease, err := l.Acquire(ctx, "run:r1", "worker-a", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	reclaimed, err := l.Acquire(ctx, "run:r1", "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "worker-b", reclaimed.Holder)
	require.Greater(t, reclaimed.FencingToken, lease.FencingToken)
}

func TestStaleFencingTokenRejected(t *testing.T) {
	// Fencing invariant (spec §8 invariant 5): a write presenting an
	// earlier holder's token after takeover must be rejected.
	ctx := context.Background()
	now := time.Now()
	l := lock.NewMemory(func() time.Time { return now })

	zombie, err := l.Acquire(ctx, "run:r1", "worker-a", 5*time.Second)
	require.NoError(t, err)

	now = now.Add(6 * time.Second)
	_, err = l.Acquire(ctx, "run:r1", "worker-b", 30*time.Second)
	require.NoError(t, err)

	_, err = l.Renew(ctx, "run:r1", "worker-a", zombie.FencingToken, 30*time.Second)
	require.ErrorIs(t, err, lock.ErrStaleFencingToken)

	err = l.Release(ctx, "run:r1", "worker-a", zombie.FencingToken)
	require.NoError(t, err)

	current, ok, err := l.Current(ctx, "run:r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "worker-b", current.Holder)
}
