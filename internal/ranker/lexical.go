package ranker

import (
	"context"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/pkg/types"
)

// minPoolSize is the smallest number of cosine candidates considered for
// fuzzy scoring
const minPoolSize = 50

// Lexical ranks songs by TF-IDF cosine similarity, falling back to a fuzzy
// string score for weak matches. Indexes are built once per snapshot.
type Lexical struct {
	indexes       *lru.Cache[int64, *tfidfIndex]
	group         singleflight.Group
	fallbackBelow float64
}

// NewLexical creates a lexical ranker keeping up to indexCacheSize indexes
func NewLexical(fallbackBelow float64, indexCacheSize int) *Lexical {
	if indexCacheSize <= 0 {
		indexCacheSize = 2
	}
	indexes, err := lru.New[int64, *tfidfIndex](indexCacheSize)
	if err != nil {
		indexes, _ = lru.New[int64, *tfidfIndex](2)
	}
	return &Lexical{indexes: indexes, fallbackBelow: fallbackBelow}
}

// Warm builds the index for snap ahead of the first query
func (l *Lexical) Warm(snap *corpus.Snapshot) {
	l.index(snap)
}

func (l *Lexical) index(snap *corpus.Snapshot) *tfidfIndex {
	if idx, ok := l.indexes.Get(snap.ID); ok {
		return idx
	}
	v, _, _ := l.group.Do(strconv.FormatInt(snap.ID, 10), func() (interface{}, error) {
		if idx, ok := l.indexes.Get(snap.ID); ok {
			return idx, nil
		}
		idx := buildIndex(snap)
		l.indexes.Add(snap.ID, idx)
		return idx, nil
	})
	return v.(*tfidfIndex)
}

type candidate struct {
	pos    int
	cosine float64
}

// pool returns up to size documents with the highest cosine similarity to
// tokens, ordered by score then snapshot position
func (l *Lexical) pool(snap *corpus.Snapshot, tokens []string, size int) (*tfidfIndex, []candidate) {
	if len(normalize.ContentTokens(tokens)) == 0 || snap.Len() == 0 {
		return nil, nil
	}
	idx := l.index(snap)
	query := idx.queryVector(tokens)
	if len(query) == 0 {
		return idx, nil
	}

	scores := idx.cosine(query)
	cands := make([]candidate, 0, len(scores))
	for pos, s := range scores {
		if s > 0 {
			cands = append(cands, candidate{pos: pos, cosine: s})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cosine != cands[j].cosine {
			return cands[i].cosine > cands[j].cosine
		}
		return cands[i].pos < cands[j].pos
	})
	if len(cands) > size {
		cands = cands[:size]
	}
	return idx, cands
}

func poolSize(k int) int {
	return max(5*k, minPoolSize)
}

// Rank scores the query against snap. Candidates with cosine similarity of
// at least the fallback threshold keep it; weaker ones are scored fuzzily.
// The result is sorted but not truncated.
func (l *Lexical) Rank(ctx context.Context, snap *corpus.Snapshot, tokens []string, k int) ([]types.RankedMatch, error) {
	idx, cands := l.pool(snap, tokens, poolSize(k))
	matches := make([]types.RankedMatch, 0, len(cands))
	for i, c := range cands {
		if i%16 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		score, kind := c.cosine, types.MatchTFIDF
		if c.cosine < l.fallbackBelow {
			score, kind = FuzzyScore(tokens, idx.docTokens[c.pos]), types.MatchFuzzy
		}
		if score <= 0 {
			continue
		}
		m := newMatch(snap.Songs[c.pos], score, kind)
		m.LexicalScore = types.Float(score)
		matches = append(matches, m)
	}
	types.SortMatches(matches)
	return matches, nil
}

// FuzzyRank orders the same candidates by fuzzy score alone, the lexical
// side of hybrid fusion
func (l *Lexical) FuzzyRank(ctx context.Context, snap *corpus.Snapshot, tokens []string, k int) ([]types.RankedMatch, error) {
	idx, cands := l.pool(snap, tokens, poolSize(k))
	matches := make([]types.RankedMatch, 0, len(cands))
	for i, c := range cands {
		if i%16 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		score := FuzzyScore(tokens, idx.docTokens[c.pos])
		if score <= 0 {
			continue
		}
		m := newMatch(snap.Songs[c.pos], score, types.MatchFuzzy)
		m.LexicalScore = types.Float(score)
		matches = append(matches, m)
	}
	types.SortMatches(matches)
	return matches, nil
}

func newMatch(song types.SongRecord, score float64, kind types.MatchType) types.RankedMatch {
	return types.RankedMatch{
		SongID:     song.ID,
		Title:      song.Title,
		Artist:     song.Artist,
		Album:      song.Album,
		Year:       song.Year,
		FusedScore: clamp01(score),
		MatchType:  kind,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
