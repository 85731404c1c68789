package local

import (
	"fmt"
	"math"
	"strconv"
)

// Strings converts a decoded list field to strings. Documents read back
// from the remote store carry lists as []any.
func Strings(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// AnySlice converts a list field to []any.
func AnySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return append([]any(nil), s...)
	case []string:
		out := make([]any, 0, len(s))
		for _, e := range s {
			out = append(out, e)
		}
		return out
	}
	return nil
}

// Int converts a numeric field to int. Unknown values are 0.
func Int(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(math.Round(n))
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
