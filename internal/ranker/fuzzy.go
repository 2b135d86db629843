package ranker

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Fuzzy score weights for partial, token-sort and token-set similarity
const (
	partialWeight   = 0.4
	tokenSortWeight = 0.3
	tokenSetWeight  = 0.3
)

// FuzzyScore is an edit-distance-tolerant similarity in [0, 1] between a
// query and a document, both given as normalized tokens.
func FuzzyScore(query, doc []string) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	return partialWeight*partialRatio(query, doc) +
		tokenSortWeight*tokenSortRatio(query, doc) +
		tokenSetWeight*tokenSetRatio(query, doc)
}

// ratio is 1 minus the Levenshtein distance over the longer rune length
func ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// partialRatio compares the shorter token sequence with windows of the
// same length in the longer one. Windows start where a token of the shorter
// sequence occurs, falling back to a coarse stride when none do.
func partialRatio(query, doc []string) float64 {
	short, long := query, doc
	if len(short) > len(long) {
		short, long = long, short
	}
	needle := strings.Join(short, " ")
	if len(short) == len(long) {
		return ratio(needle, strings.Join(long, " "))
	}

	present := make(map[string]struct{}, len(short))
	for _, t := range short {
		present[t] = struct{}{}
	}

	width := len(short)
	last := len(long) - width
	starts := make(map[int]struct{})
	for i, t := range long {
		if _, ok := present[t]; !ok {
			continue
		}
		// anchor the window so token i lines up with each position it can hold
		for off := 0; off < width; off++ {
			s := i - off
			if s >= 0 && s <= last && short[off] == t {
				starts[s] = struct{}{}
			}
		}
	}
	if len(starts) == 0 {
		stride := max(width/2, 1)
		for s := 0; s <= last; s += stride {
			starts[s] = struct{}{}
		}
	}

	best := 0.0
	for s := range starts {
		if r := ratio(needle, strings.Join(long[s:s+width], " ")); r > best {
			best = r
			if best == 1 {
				break
			}
		}
	}
	return best
}

func tokenSortRatio(query, doc []string) float64 {
	return ratio(sortedJoin(query), sortedJoin(doc))
}

// tokenSetRatio compares the shared vocabulary against each side's full
// vocabulary and keeps the best result
func tokenSetRatio(query, doc []string) float64 {
	qs, ds := tokenSet(query), tokenSet(doc)
	var common, onlyQ, onlyD []string
	for t := range qs {
		if _, ok := ds[t]; ok {
			common = append(common, t)
		} else {
			onlyQ = append(onlyQ, t)
		}
	}
	for t := range ds {
		if _, ok := qs[t]; !ok {
			onlyD = append(onlyD, t)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyQ)
	sort.Strings(onlyD)

	base := strings.Join(common, " ")
	combinedQ := strings.TrimSpace(base + " " + strings.Join(onlyQ, " "))
	combinedD := strings.TrimSpace(base + " " + strings.Join(onlyD, " "))

	if base == "" {
		return ratio(combinedQ, combinedD)
	}
	return max(ratio(base, combinedQ), ratio(base, combinedD), ratio(combinedQ, combinedD))
}

func sortedJoin(tokens []string) string {
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// maxEditDistance bounds query term expansion: one edit for short words,
// two for longer ones
func maxEditDistance(term string) int {
	if len([]rune(term)) <= 5 {
		return 1
	}
	return 2
}
