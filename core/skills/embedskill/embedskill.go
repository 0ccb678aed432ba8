// Package embedskill implements the "embed.compute" skill adapter (spec
// §4.3): a CPU-bound, purely local computation that never performs network
// I/O and never suspends except on context cancellation — exercising the
// ordering guarantee that CPU-only canonicalization work is never subject
// to the same suspension points as a skill with an external effect (spec
// §5).
package embedskill

import (
	"context"
	"encoding/json"

	"goa.design/goa-ai/core/skillerr"
)

// Params is the canonical param shape for "embed.compute".
type Params struct {
	// Text is hashed into a deterministic, low-dimensional vector. This
	// stands in for a real embedding model call: spec.md's Non-goals
	// exclude specific skill bodies, so the computation only needs to be
	// deterministic and CPU-only, not semantically meaningful.
	Text string `json:"text"`
	// Dimensions sizes the output vector. Defaults to 8.
	Dimensions int `json:"dimensions,omitempty"`
}

// Result is the canonical result shape for "embed.compute".
type Result struct {
	Vector []float64 `json:"vector"`
}

const defaultDimensions = 8

// Adapter implements skills.Adapter. It never touches the outbox: its
// result is wholly a function of its input, so idempotency falls out of
// the skill runtime's existing canonical-params fingerprint without any
// downstream dedup key.
type Adapter struct{}

// Execute implements skills.Adapter.
func (Adapter) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "marshal embed params: %v", err).WithRetryable(false)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "decode embed params: %v", err).WithRetryable(false)
	}
	dims := p.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}

	select {
	case <-ctx.Done():
		return nil, skillerr.New(skillerr.Deadline, "embed.compute cancelled: %v", ctx.Err()).WithRetryable(true)
	default:
	}

	vector := deterministicVector(p.Text, dims)
	return json.Marshal(Result{Vector: vector})
}

// deterministicVector hashes text into dims floats in [-1, 1] using a
// simple FNV-1a-derived stream, so identical input always yields an
// identical vector (the property the idempotency/canonicalization layers
// actually depend on, not the embedding's semantic quality).
func deterministicVector(text string, dims int) []float64 {
	out := make([]float64, dims)
	var h uint64 = 14695981039346656037
	for i := 0; i < dims; i++ {
		for _, b := range []byte(text) {
			h ^= uint64(b)
			h *= 1099511628211
		}
		h ^= uint64(i)
		h *= 1099511628211
		out[i] = float64(h%2000001)/1000000.0 - 1.0
	}
	return out
}
