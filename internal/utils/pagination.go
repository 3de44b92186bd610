// Package utils holds the query-string parsing helpers of the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses a page size; empty or malformed input yields def.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParseInt64Default parses s as a base-10 int64 (sequence numbers, cursors),
// returning def when s is empty and an error when it is malformed. Callers
// reject malformed cursors instead of silently restarting from def.
func ParseInt64Default(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
