package queue_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/queue"
)

func TestNextVisibleAtIsDeterministic(t *testing.T) {
	now := time.Now()
	cfg := queue.DefaultBackoffConfig()

	a := queue.NextVisibleAt(now, cfg, "run-1", 3)
	b := queue.NextVisibleAt(now, cfg, "run-1", 3)
	require.Equal(t, a, b, "recomputing the same (run, attempt) must yield the same delay")
}

func TestNextVisibleAtVariesByAttempt(t *testing.T) {
	now := time.Now()
	cfg := queue.DefaultBackoffConfig()

	first := queue.NextVisibleAt(now, cfg, "run-1", 1)
	second := queue.NextVisibleAt(now, cfg, "run-1", 2)
	require.True(t, second.After(first), "backoff must grow with attempt number")
}

func TestNextVisibleAtRespectsMaxBackoff(t *testing.T) {
	now := time.Now()
	cfg := queue.DefaultBackoffConfig()
	cfg.MaxBackoff = 2 * time.Second
	cfg.Jitter = 0

	v := queue.NextVisibleAt(now, cfg, "run-1", 20)
	require.LessOrEqual(t, v.Sub(now), 2*time.Second)
}

func TestPartitionIsStableForSameRun(t *testing.T) {
	require.Equal(t, queue.Partition("run-1", 16), queue.Partition("run-1", 16))
}

func TestPartitionDistributesAcrossRuns(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[queue.Partition("run-"+strconv.Itoa(i), 16)] = true
	}
	require.Greater(t, len(seen), 1, "50 distinct run ids should not all hash to one partition")
}
