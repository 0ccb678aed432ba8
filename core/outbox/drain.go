package outbox

import (
	"context"
	"log/slog"
	"time"

	"goa.design/goa-ai/core/queue"
)

// DrainOnce fetches up to max pending entries and attempts delivery
// synchronously, in caller's goroutine, without group-key fan-out or
// leader election. It exists for operator tooling (spec §6 CLI surface,
// `orchestratorctl outbox drain`) where a one-shot, observable pass is
// preferable to starting the full Processor loop; production delivery
// still goes through Processor.Start.
func DrainOnce(ctx context.Context, store Store, deliverer Deliverer, max int, backoff queue.BackoffConfig) (delivered, failed int, err error) {
	entries, err := store.FetchPending(ctx, max)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := store.MarkInFlight(ctx, ids); err != nil {
		return 0, 0, err
	}

	for _, e := range entries {
		derr := deliverer(ctx, e)
		if derr == nil {
			if markErr := store.MarkDelivered(ctx, e.ID); markErr != nil {
				slog.Warn("outbox: drain mark delivered failed", "entry_id", e.ID, "error", markErr)
				continue
			}
			delivered++
			continue
		}

		retryable := isRetryable(derr)
		attempt := e.Attempt + 1
		next := queue.NextVisibleAt(time.Now(), backoff, e.RunID, attempt)
		if markErr := store.MarkFailed(ctx, e.ID, retryable, next, derr.Error()); markErr != nil {
			slog.Warn("outbox: drain mark failed failed", "entry_id", e.ID, "error", markErr)
		}
		failed++
	}
	return delivered, failed, nil
}
