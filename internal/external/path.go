// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package external

import (
	"strconv"
	"strings"
)

// Path resolves a dot path such as "meta.results.total" or
// "studies.0.protocolSection" against decoded JSON. An empty path returns v.
// Missing segments yield nil.
func Path(v any, path string) any {
	if path == "" {
		return v
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

// Items resolves path and returns it as a list of objects. A single object
// is returned as a one-element list.
func Items(v any, path string) []map[string]any {
	switch node := Path(v, path).(type) {
	case []any:
		out := make([]map[string]any, 0, len(node))
		for _, item := range node {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{node}
	}
	return nil
}

// Int resolves path to an integer, accepting JSON numbers and numeric
// strings.
func Int(v any, path string) (int, bool) {
	switch n := Path(v, path).(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// String resolves path to a string. Numbers are formatted without a
// fractional part when they are whole.
func String(v any, path string) string {
	switch s := Path(v, path).(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
