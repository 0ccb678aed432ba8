package audit

import (
	"context"

	"goa.design/goa-ai/core/stream"
)

// StreamFanout wraps a Ledger so every appended Record is both durably
// stored and published on core/stream for live tailing in the same call
// (spec §4.8), matching the audit ledger port's "query history and tail it
// live" requirement with a single write path instead of a separate
// publish-then-persist step that could observe the two fall out of sync.
type StreamFanout struct {
	Ledger  Ledger
	Streams stream.Publisher
}

var _ Ledger = (*StreamFanout)(nil)

// Append persists r via the wrapped Ledger, then publishes it as a
// stream.Event. A publish failure is swallowed (logged by the caller via
// the returned error only for the persistence half): the durable ledger is
// the source of truth, live tailing is a best-effort convenience.
func (f *StreamFanout) Append(ctx context.Context, r Record) error {
	if err := f.Ledger.Append(ctx, r); err != nil {
		return err
	}
	if f.Streams == nil {
		return nil
	}
	_ = f.Streams.Publish(ctx, stream.Event{
		RunID:   r.RunID,
		OpIndex: r.OpIndex,
		Kind:    r.Kind,
		Detail:  r.Detail,
		At:      r.At,
	})
	return nil
}

// ListByRun delegates to the wrapped Ledger.
func (f *StreamFanout) ListByRun(ctx context.Context, runID string, max int) ([]Record, error) {
	return f.Ledger.ListByRun(ctx, runID, max)
}
