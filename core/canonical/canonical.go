// Package canonical implements deterministic canonicalisation and hashing
// for operation parameters and results (spec §3, Operation.fingerprint and
// Replay log.result hash; spec §9 Open Question 1).
//
// Canonicalisation produces a byte-stable JSON encoding: object keys are
// sorted, numbers are normalised, and insignificant whitespace is removed.
// Per-skill, callers may supply a set of dot-path fields to drop before
// hashing (e.g. timestamps), resolving spec.md's Open Question 1.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Params canonicalises an arbitrary JSON-serialisable value into a stable
// byte encoding. Calling Params on the output of Params is idempotent
// (canonical(params) == canonical(canonical(params)), spec §8).
func Params(v any, ignore ...string) ([]byte, error) {
	raw, err := toMap(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	for _, path := range ignore {
		dropPath(raw, path)
	}
	return marshalSorted(raw)
}

// Fingerprint computes the stable content hash of (skill name, canonical
// params, op index) used to detect semantic equality across retries of the
// same logical op (spec §3, Operation.fingerprint).
func Fingerprint(skill string, canonicalParams []byte, opIndex int) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00", skill, opIndex)
	h.Write(canonicalParams)
	return hex.EncodeToString(h.Sum(nil))
}

// ResultHash computes the hash over a canonical result used to compare a
// previously committed result against a replay (spec §3, Replay log;
// spec §4.2, verify-replay).
func ResultHash(canonicalResult []byte) string {
	sum := sha256.Sum256(canonicalResult)
	return hex.EncodeToString(sum[:])
}

func toMap(v any) (any, error) {
	// Round-trip through encoding/json so arbitrary Go values (structs,
	// maps, slices) land as the same generic shape regardless of their
	// concrete type, which is required for stable re-marshalling below.
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]byte, 0, 64)
		out = append(out, '{')
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := make([]byte, 0, 64)
		out = append(out, '[')
		for i, elem := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// dropPath removes a dot-path field (e.g. "metadata.startedAt") from a
// decoded JSON map in place. Missing segments are a no-op.
func dropPath(v any, path string) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	head, rest, more := cut(path)
	if !more {
		delete(m, head)
		return
	}
	if child, ok := m[head]; ok {
		dropPath(child, rest)
	}
}

func cut(path string) (head, rest string, more bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}
