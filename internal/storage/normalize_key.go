package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// set membership (e.g. "100_55" or "8429529").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps key comparisons consistent across drivers.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// StaleKeys returns the keys of active that are not in keep, preserving the
// order of active.
func StaleKeys(active []string, keep []string) []string {
	set := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		set[NormalizeKey(k)] = struct{}{}
	}
	var out []string
	for _, k := range active {
		if _, ok := set[NormalizeKey(k)]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// ChunkRows returns how many rows of width columns fit in one statement
// under a bind-parameter limit, capped at maxRows.
func ChunkRows(paramLimit, columns, maxRows int) int {
	if columns <= 0 {
		return maxRows
	}
	n := paramLimit / columns
	if n < 1 {
		n = 1
	}
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	return n
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		out = append(out, items[i:end])
	}
	return out
}
