package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EscapeString escapes a string for embedding in a single-quoted Cypher
// literal. The replacement order is fixed - backslash first, then quote,
// newline, carriage return, tab - so characters introduced by an earlier
// escape step are never escaped twice.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

// renderValue renders a record value as a Cypher literal. Scalars map
// directly; composite values are carried as JSON strings since the target
// query language has no nested map literal we rely on.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return "'" + EscapeString(val) + "'"
	case int, int32, int64, float32, float64, json.Number:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return "'" + EscapeString(string(data)) + "'"
	}
}
