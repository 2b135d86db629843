package ranker

import (
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/normalize"
)

// maxExpansions caps the vocabulary terms substituted for one unknown query term
const maxExpansions = 3

type posting struct {
	doc    int
	weight float64
}

// tfidfIndex is an inverted TF-IDF index over one snapshot. Terms are
// content unigrams and adjacent content bigrams; document vectors are
// L2-normalized.
type tfidfIndex struct {
	snapshotID int64
	idf        map[string]float64
	postings   map[string][]posting
	// unigrams grouped by rune length, sorted, for edit-distance expansion
	byLength  map[int][]string
	docTokens [][]string
}

func docTerms(tokens []string) map[string]float64 {
	content := normalize.ContentTokens(tokens)
	tf := make(map[string]float64, len(content)*2)
	for _, t := range content {
		tf[t]++
	}
	for _, b := range normalize.Phrases(content, 2) {
		tf[b]++
	}
	return tf
}

func buildIndex(snap *corpus.Snapshot) *tfidfIndex {
	n := snap.Len()
	idx := &tfidfIndex{
		snapshotID: snap.ID,
		idf:        make(map[string]float64),
		postings:   make(map[string][]posting),
		byLength:   make(map[int][]string),
		docTokens:  make([][]string, n),
	}

	termFreqs := make([]map[string]float64, n)
	df := make(map[string]int)
	for i, song := range snap.Songs {
		tokens := song.Tokens
		if tokens == nil {
			tokens = normalize.Tokenize(song.LyricsNormalized)
		}
		idx.docTokens[i] = tokens
		termFreqs[i] = docTerms(tokens)
		for term := range termFreqs[i] {
			df[term]++
		}
	}

	for term, d := range df {
		idx.idf[term] = math.Log(float64(1+n)/float64(1+d)) + 1
		if !strings.Contains(term, " ") {
			l := len([]rune(term))
			idx.byLength[l] = append(idx.byLength[l], term)
		}
	}
	for _, terms := range idx.byLength {
		sort.Strings(terms)
	}

	// documents are visited in snapshot order so posting lists stay sorted
	for i, tf := range termFreqs {
		weights, norm := idx.weigh(tf)
		if norm == 0 {
			continue
		}
		for _, tw := range weights {
			idx.postings[tw.term] = append(idx.postings[tw.term], posting{doc: i, weight: tw.weight / norm})
		}
	}
	return idx
}

type termWeight struct {
	term   string
	weight float64
}

// weigh returns tf-idf weights in term order and their L2 norm. Terms
// outside the vocabulary are ignored. Sorting keeps float sums identical
// across runs.
func (idx *tfidfIndex) weigh(tf map[string]float64) ([]termWeight, float64) {
	terms := make([]string, 0, len(tf))
	for term := range tf {
		if _, ok := idx.idf[term]; ok {
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)

	weights := make([]termWeight, len(terms))
	sum := 0.0
	for i, term := range terms {
		w := tf[term] * idx.idf[term]
		weights[i] = termWeight{term: term, weight: w}
		sum += w * w
	}
	return weights, math.Sqrt(sum)
}

// queryVector builds the normalized query vector. Unigrams missing from the
// vocabulary are replaced by their nearest vocabulary terms, each weighted
// down by its edit distance.
func (idx *tfidfIndex) queryVector(tokens []string) []termWeight {
	tf := docTerms(tokens)
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	expanded := make(map[string]float64, len(tf))
	for _, term := range terms {
		f := tf[term]
		if _, ok := idx.idf[term]; ok {
			expanded[term] += f
			continue
		}
		if strings.Contains(term, " ") {
			continue
		}
		for _, m := range idx.expand(term) {
			expanded[m.term] += f / float64(1+m.distance)
		}
	}

	weights, norm := idx.weigh(expanded)
	if norm == 0 {
		return nil
	}
	for i := range weights {
		weights[i].weight /= norm
	}
	return weights
}

type expansion struct {
	term     string
	distance int
}

func (idx *tfidfIndex) expand(term string) []expansion {
	limit := maxEditDistance(term)
	length := len([]rune(term))
	var found []expansion
	for l := length - limit; l <= length+limit; l++ {
		for _, cand := range idx.byLength[l] {
			if d := levenshtein.ComputeDistance(term, cand); d <= limit {
				found = append(found, expansion{term: cand, distance: d})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].distance != found[j].distance {
			return found[i].distance < found[j].distance
		}
		return found[i].term < found[j].term
	})
	if len(found) > maxExpansions {
		found = found[:maxExpansions]
	}
	return found
}

// cosine scores every document sharing a term with the query
func (idx *tfidfIndex) cosine(query []termWeight) map[int]float64 {
	scores := make(map[int]float64)
	for _, q := range query {
		for _, p := range idx.postings[q.term] {
			scores[p.doc] += q.weight * p.weight
		}
	}
	for doc, s := range scores {
		// rounding can push a perfect match slightly above one
		scores[doc] = math.Min(s, 1)
	}
	return scores
}
