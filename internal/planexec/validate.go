package planexec

import (
	"encoding/json"
	"fmt"
)

// Boundary constants for parameter validation (§8), ported from the
// originating system's _validate_parameters: strings beyond this
// length are truncated with an ellipsis rather than rejected; lists
// beyond this length are truncated; dicts (JSON objects) nested deeper
// than this are rejected outright rather than silently truncated — an
// intentional improvement over the original's mark-and-continue
// behavior, since a silently truncated nested structure can still
// satisfy a schema while meaning something different.
const (
	maxStringLen = 10000
	maxListLen   = 1000
	maxDictDepth = 5
)

// normalizeArgs walks args (a decoded JSON value) applying the
// boundary rules and returns the possibly-truncated value, or an error
// if a dict exceeds maxDictDepth.
func normalizeArgs(args json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, err
	}
	normalized, err := normalizeValue(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalizeValue(v any, depth int) (any, error) {
	switch val := v.(type) {
	case string:
		if len(val) > maxStringLen {
			return val[:maxStringLen] + "...", nil
		}
		return val, nil
	case []any:
		if len(val) > maxListLen {
			val = val[:maxListLen]
		}
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeValue(item, depth)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		if depth+1 > maxDictDepth {
			return nil, fmt.Errorf("argument nesting exceeds maximum depth of %d", maxDictDepth)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return val, nil
	}
}
