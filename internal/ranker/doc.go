// Package ranker scores a query transcript against a corpus snapshot.
//
// Three engines are available, selected by policy.Engine:
//   - tfidf: TF-IDF cosine similarity with a fuzzy string fallback
//   - neural: sentence-embedding cosine similarity over cached corpus vectors
//   - hybrid: a linear blend of the neural and fuzzy scores
//
// # Basic Usage
//
//	r := ranker.New(embedCache, emb, nil)
//
//	resp, err := r.Rank(ctx, snap, policy.EngineHybrid, ranker.Request{
//	    Query:          "is this the real life",
//	    TopK:           5,
//	    EmbeddingModel: "all-MiniLM-L6-v2",
//	})
//
//	for _, m := range resp.Matches {
//	    fmt.Printf("[%d] %s - %s (%.2f)\n", m.Rank, m.Artist, m.Title, m.FusedScore)
//	}
//
// # Lexical Scoring
//
// The TF-IDF index covers content unigrams and bigrams with smoothed idf
// ln((1+n)/(1+df)) + 1 and L2-normalized document vectors. It is built once
// per snapshot and kept in an LRU. Query words missing from the vocabulary
// are replaced by close vocabulary words (edit distance 1 for words of up to
// five letters, 2 otherwise) so misheard words still reach candidates.
//
// Candidates whose cosine similarity is below DefaultFuzzyFallbackBelow are
// rescored with FuzzyScore, a 0.4/0.3/0.3 blend of partial, token-sort and
// token-set Levenshtein ratios.
//
// # Hybrid Fusion
//
//	fused = w*semantic + (1-w)*fuzzy
//
// w defaults to DefaultHybridWeight. Only the top max(2K, 10) of each side
// take part. A song found by one side alone keeps that side's weighted score.
//
// # Ordering
//
// Every engine orders by score descending with ties broken by song ID, so
// results are deterministic for a fixed snapshot and query.
package ranker
