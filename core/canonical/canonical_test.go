package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/canonical"
)

func TestParamsIsStableAcrossKeyOrder(t *testing.T) {
	a, err := canonical.Params(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := canonical.Params(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParamsIsIdempotent(t *testing.T) {
	first, err := canonical.Params(map[string]any{"x": []any{3, 1, 2}, "y": "z"})
	require.NoError(t, err)

	var decoded any
	require.NoError(t, json.Unmarshal(first, &decoded))

	second, err := canonical.Params(decoded)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestParamsIgnoresDeclaredFields(t *testing.T) {
	withTS, err := canonical.Params(map[string]any{"v": 1, "updatedAt": "2026-01-01T00:00:00Z"}, "updatedAt")
	require.NoError(t, err)
	without, err := canonical.Params(map[string]any{"v": 1}, "updatedAt")
	require.NoError(t, err)
	require.Equal(t, without, withTS)
}

func TestFingerprintStableAcrossRetries(t *testing.T) {
	params, err := canonical.Params(map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	fp1 := canonical.Fingerprint("http.post", params, 2)
	fp2 := canonical.Fingerprint("http.post", params, 2)
	require.Equal(t, fp1, fp2)

	fp3 := canonical.Fingerprint("http.post", params, 3)
	require.NotEqual(t, fp1, fp3)
}

func TestResultHashDetectsMismatch(t *testing.T) {
	r1, err := canonical.Params(map[string]any{"status": "ok"})
	require.NoError(t, err)
	r2, err := canonical.Params(map[string]any{"status": "changed"})
	require.NoError(t, err)

	require.NotEqual(t, canonical.ResultHash(r1), canonical.ResultHash(r2))
}
