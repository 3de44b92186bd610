package search

import (
	"regexp"
	"sort"
	"strings"
)

// Doc is one directory entry offered to the ranker. Key is its stored
// search key (see Key).
type Doc struct {
	ID  string
	Key string
}

// Result is a ranked entry with its score in (0, 1].
type Result struct {
	ID    string
	Score float64
}

// Credit per query token: an exact token match counts fully, a token that
// starts a document token less, and one found anywhere inside a document
// token least.
const (
	creditExact  = 1.0
	creditPrefix = 0.6
	creditInfix  = 0.3
)

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// TopK ranks docs against a folded query and returns up to k matches.
//
// Every query token must match some document token (exact, prefix or
// infix), otherwise the document is dropped. The score is a Jaccard
// similarity where partial matches earn partial credit:
// score = credit(Q, D) / |Q ∪ D|. Ties prefer the shorter key, then the
// lower id, so results are stable.
func TopK(query string, docs []Doc, k int) []Result {
	if len(docs) == 0 {
		return nil
	}
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}
	if k <= 0 {
		k = 20
	}

	type scored struct {
		id     string
		score  float64
		keyLen int
	}
	buf := make([]scored, 0, min(k*4, len(docs)))
	for _, d := range docs {
		dTokens := tokenize(d.Key)
		if len(dTokens) == 0 {
			continue
		}
		credit, exact, all := match(qTokens, dTokens)
		if !all {
			continue
		}
		union := float64(len(qTokens) + len(dTokens) - exact)
		buf = append(buf, scored{id: d.ID, score: credit / union, keyLen: len(d.Key)})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].keyLen != buf[b].keyLen {
			return buf[a].keyLen < buf[b].keyLen
		}
		return buf[a].id < buf[b].id
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = Result{ID: buf[i].id, Score: buf[i].score}
	}
	return out
}

// match returns the summed credit, the number of exact hits and whether
// every query token matched.
func match(q, d map[string]struct{}) (credit float64, exact int, all bool) {
	for qt := range q {
		if _, ok := d[qt]; ok {
			credit += creditExact
			exact++
			continue
		}
		best := 0.0
		for dt := range d {
			switch {
			case strings.HasPrefix(dt, qt):
				best = creditPrefix
			case best < creditInfix && strings.Contains(dt, qt):
				best = creditInfix
			}
			if best == creditPrefix {
				break
			}
		}
		if best == 0 {
			return 0, 0, false
		}
		credit += best
	}
	return credit, exact, true
}

func tokenize(s string) map[string]struct{} {
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
