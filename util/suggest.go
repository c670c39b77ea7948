// Package util holds small helpers shared by the command-line tools.
package util

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Closest returns up to max known identifiers nearest to query by edit
// distance, for "did you mean" diagnostics on hand-typed sample or label
// names. Candidates further than half the query length (plus one) are not
// worth suggesting.
func Closest(query string, known []string, max int) []string {
	type cand struct {
		id   string
		dist int
	}
	limit := len(query)/2 + 1
	var cands []cand
	for _, k := range known {
		if d := matchr.Levenshtein(query, k); d <= limit {
			cands = append(cands, cand{k, d})
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		return cands[a].id < cands[b].id
	})
	if len(cands) > max {
		cands = cands[:max]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// DidYouMean formats Closest's output as an error-message suffix, or ""
// when there is nothing to suggest.
func DidYouMean(query string, known []string) string {
	cands := Closest(query, known, 3)
	if len(cands) == 0 {
		return ""
	}
	quoted := make([]string, len(cands))
	for i, c := range cands {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(" (did you mean %s?)", strings.Join(quoted, ", "))
}
