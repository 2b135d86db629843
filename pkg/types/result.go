package types

import "sort"

// MatchType identifies which scoring path produced a match
type MatchType string

const (
	MatchTFIDF  MatchType = "tfidf"
	MatchFuzzy  MatchType = "fuzzy"
	MatchNeural MatchType = "neural"
	MatchHybrid MatchType = "hybrid"
)

// RankedMatch represents a single scored candidate song
type RankedMatch struct {
	// Identification
	SongID string
	Rank   int // Position in result set (1-based)

	// Metadata copied from the snapshot so results render without a lookup
	Title  string
	Artist string
	Album  string
	Year   int

	// Scoring
	LexicalScore  *float64 // Nil when the lexical ranker did not score this song
	SemanticScore *float64 // Nil when the semantic ranker did not score this song
	FusedScore    float64  // Final score used for ordering, in [0, 1]
	MatchType     MatchType

	// Evidence
	MatchedPhraseCount int
	MatchPercentage    float64 // Shared unique words over unique query words, 0-100
}

// Validate checks if the ranked match is valid
func (m *RankedMatch) Validate() error {
	if m.SongID == "" {
		return ErrInvalidSongID
	}

	if m.Rank < 1 {
		return ErrInvalidRank
	}

	if m.FusedScore < 0 || m.FusedScore > 1 {
		return ErrInvalidScore
	}

	return nil
}

// Confidence returns the human-readable confidence bucket for the match
func (m *RankedMatch) Confidence() string {
	return ConfidenceLevel(m.FusedScore)
}

// ConfidenceLevel maps a score in [0, 1] to a display bucket
func ConfidenceLevel(score float64) string {
	switch {
	case score >= 0.7:
		return "Very High"
	case score >= 0.5:
		return "High"
	case score >= 0.3:
		return "Medium"
	case score >= 0.2:
		return "Low"
	default:
		return "Very Low"
	}
}

// SortMatches orders matches by FusedScore descending, breaking ties by
// SongID ascending, and assigns 1-based ranks.
func SortMatches(matches []RankedMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].FusedScore != matches[j].FusedScore {
			return matches[i].FusedScore > matches[j].FusedScore
		}
		return matches[i].SongID < matches[j].SongID
	})
	for i := range matches {
		matches[i].Rank = i + 1
	}
}

// Float returns a pointer to v, for the optional score fields
func Float(v float64) *float64 {
	return &v
}
