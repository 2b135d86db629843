package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"lowercase and punctuation", "Hello, World!", "hello world"},
		{"keeps apostrophes and hyphens", "Don't stop-me now", "don't stop-me now"},
		{"strips urls", "visit https://example.com/lyrics now", "visit now"},
		{"strips www", "see www.lyrics.org too", "see too"},
		{"strips emails", "mail me@example.com please", "mail please"},
		{"collapses whitespace", "  a \n\t b  ", "a b"},
		{"keeps unicode letters", "Café Über", "café über"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"rock", "n", "roll"}, Tokenize("rock 'n' roll"))
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("- '"))
}

func TestContentTokens(t *testing.T) {
	got := ContentTokens([]string{"the", "show", "must", "go", "on"})
	assert.Equal(t, []string{"show", "must", "go"}, got)
	assert.Empty(t, ContentTokens([]string{"the", "and", "a"}))
}

func TestPhrases(t *testing.T) {
	assert.Equal(t, []string{"a b", "b c"}, Phrases([]string{"a", "b", "c"}, 2))
	assert.Nil(t, Phrases([]string{"a"}, 2))
	assert.Nil(t, Phrases([]string{"a", "b"}, 0))
}

func TestMatchedPhraseCount(t *testing.T) {
	doc := "is this the real life is this just fantasy"

	assert.Equal(t, 2, MatchedPhraseCount([]string{"is", "this", "the", "real"}, doc))
	assert.Equal(t, 1, MatchedPhraseCount([]string{"real", "life"}, doc))
	assert.Equal(t, 0, MatchedPhraseCount([]string{"life"}, doc))
	// Repeated phrases count once
	assert.Equal(t, 1, MatchedPhraseCount([]string{"na", "na", "na"}, "na na na hey"))
}

func TestMatchPercentage(t *testing.T) {
	query := []string{"real", "life", "dream"}
	doc := []string{"is", "this", "the", "real", "life"}

	assert.InDelta(t, 66.666, MatchPercentage(query, doc), 0.01)
	assert.Equal(t, 0.0, MatchPercentage(nil, doc))
	assert.Equal(t, 100.0, MatchPercentage([]string{"life", "life"}, doc))
}

func TestStats(t *testing.T) {
	s := Stats("Love love me do")
	assert.Equal(t, 4, s.WordCount)
	assert.Equal(t, 3, s.UniqueWords)
	assert.InDelta(t, 3.0, s.AvgWordLength, 0.001)

	assert.Equal(t, TextStats{}, Stats("!!!"))
}
