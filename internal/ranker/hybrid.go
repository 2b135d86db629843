package ranker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/pkg/types"
)

// DefaultHybridWeight is the semantic share of a hybrid score; the fuzzy
// lexical score gets the remainder
const DefaultHybridWeight = 0.7

// Hybrid fuses semantic and fuzzy lexical rankings linearly
type Hybrid struct {
	lexical  *Lexical
	semantic *Semantic
}

// NewHybrid combines the two rankers
func NewHybrid(lexical *Lexical, semantic *Semantic) *Hybrid {
	return &Hybrid{lexical: lexical, semantic: semantic}
}

type fusion struct {
	match    types.RankedMatch
	semantic *float64
	fuzzy    *float64
}

// Rank takes the top max(2k, 10) of each ranking and fuses their union.
// A song in both scores w*semantic + (1-w)*fuzzy; a song in one keeps that
// score times its weight, and is dropped when the weight is zero. With
// w = 1 or w = 0 the result is exactly the semantic or fuzzy order.
func (h *Hybrid) Rank(ctx context.Context, snap *corpus.Snapshot, cleaned string, tokens []string, model string, w float64, k int) ([]types.RankedMatch, error) {
	if w < 0 || w > 1 {
		return nil, fmt.Errorf("%w: hybrid weight %v outside [0, 1]", ErrEngineMisconfigured, w)
	}
	n := max(2*k, 10)

	var semantic, fuzzy []types.RankedMatch
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = h.semantic.Rank(gctx, snap, cleaned, model)
		return err
	})
	g.Go(func() error {
		var err error
		fuzzy, err = h.lexical.FuzzyRank(gctx, snap, tokens, k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	semantic = truncate(semantic, n)
	fuzzy = truncate(fuzzy, n)

	merged := make(map[string]*fusion, len(semantic)+len(fuzzy))
	order := make([]string, 0, len(semantic)+len(fuzzy))
	add := func(m types.RankedMatch) *fusion {
		f, ok := merged[m.SongID]
		if !ok {
			f = &fusion{match: m}
			merged[m.SongID] = f
			order = append(order, m.SongID)
		}
		return f
	}
	for _, m := range semantic {
		add(m).semantic = m.SemanticScore
	}
	for _, m := range fuzzy {
		add(m).fuzzy = m.LexicalScore
	}

	out := make([]types.RankedMatch, 0, len(order))
	for _, id := range order {
		f := merged[id]
		var score float64
		switch {
		case f.semantic != nil && f.fuzzy != nil:
			score = w*(*f.semantic) + (1-w)*(*f.fuzzy)
		case f.semantic != nil:
			if w == 0 {
				continue
			}
			score = w * (*f.semantic)
		default:
			if w == 1 {
				continue
			}
			score = (1 - w) * (*f.fuzzy)
		}
		m := f.match
		m.SemanticScore = f.semantic
		m.LexicalScore = f.fuzzy
		m.FusedScore = clamp01(score)
		m.MatchType = types.MatchHybrid
		out = append(out, m)
	}
	types.SortMatches(out)
	return out, nil
}

func truncate(matches []types.RankedMatch, n int) []types.RankedMatch {
	if len(matches) > n {
		return matches[:n]
	}
	return matches
}
