package memory

import "strings"

// metaString reads a string metadata value, tolerating absence.
func metaString(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok
}

// metaFloat reads a numeric metadata value. JSON decoding yields float64; int
// shows up from in-process writers.
func metaFloat(meta map[string]any, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// metaStrings reads a string-set metadata value ([]string in process,
// []any after a JSON round trip).
func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// lastAccessed reads the eviction ordering key; missing values are 0 so they
// evict first.
func lastAccessed(meta map[string]any) int64 {
	v, ok := metaFloat(meta, MetaLastAccessed)
	if !ok {
		return 0
	}
	return int64(v)
}

// containsFold reports whether needle occurs in haystack, case-insensitively.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// anyContainsFold reports whether any of the values contains needle.
func anyContainsFold(values []string, needle string) bool {
	for _, v := range values {
		if containsFold(v, needle) {
			return true
		}
	}
	return false
}

// inUnitRange checks a [0,1] bound.
func inUnitRange(x float64) bool { return x >= 0 && x <= 1 }
