// Package search folds and ranks short directory text (user ids, usernames
// and display names) for the user search endpoint.
//
// Folding is Unicode-aware: compatibility decomposition, removal of
// combining marks and case folding, so "José", "JOSE" and "jose" compare
// equal. The stored search key of a user and every query go through the
// same fold, which lets the database prefilter with a plain LIKE and the
// ranker compare tokens byte-wise.
package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the comparison form of s with whitespace collapsed.
// Transformers carry state, so a fresh chain is built per call.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return normalizeWhitespace(strings.TrimSpace(out))
}

// Key builds the stored search key of a directory entry from its fields.
// A leading "@" on a field is dropped so handles match with or without it.
func Key(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = Fold(strings.TrimPrefix(strings.TrimSpace(f), "@")); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// Query folds a user-typed query the same way Key folds stored fields.
func Query(q string) string { return Key(q) }

// Needle picks the longest token of a folded query: the most selective
// substring for a LIKE prefilter. Every candidate the ranker accepts
// contains it.
func Needle(folded string) string {
	var best string
	for _, w := range wordRE.FindAllString(folded, -1) {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
