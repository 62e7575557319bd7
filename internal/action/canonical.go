package action

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON returns the sorted-key, minimal-whitespace JSON
// serialization of an action list, used as the input to the skill
// fingerprint (spec §3, §6: "SHA-1 of canonical (sorted-key,
// minimal-whitespace) JSON of the action list").
func CanonicalJSON(actions []Action) ([]byte, error) {
	raw, err := json.Marshal(actions)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	canon := canonicalize(generic)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canon); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalize recursively sorts map keys by rebuilding maps into an
// ordered representation handled by encoding/json: Go's json package
// already sorts map[string]any keys on Marshal, so canonicalization
// reduces to stripping the two sources of nondeterminism that remain:
// slices of maps (order preserved, which is correct — action order
// matters) and ensuring consistent number formatting (json handles
// this uniformly for float64).
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}
