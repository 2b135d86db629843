// Package normalize cleans lyrics and transcripts into the token form the
// rankers compare.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern   = regexp.MustCompile(`https?://\S+|www\.\S+`)
	emailPattern = regexp.MustCompile(`\S+@\S+`)
)

// Clean lowercases text, strips URLs and e-mail addresses, replaces every
// character other than letters, digits, underscores, whitespace, apostrophes
// and hyphens with a space, and collapses runs of whitespace.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ToLower(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = emailPattern.ReplaceAllString(text, " ")

	text = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '\'', r == '-':
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return ' '
		}
	}, text)

	return strings.Join(strings.Fields(text), " ")
}

// Tokenize splits cleaned text on whitespace. Apostrophes and hyphens that
// only wrap a token are trimmed; tokens left empty are dropped.
func Tokenize(cleaned string) []string {
	fields := strings.Fields(cleaned)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Text cleans and tokenizes in one step
func Text(raw string) (string, []string) {
	cleaned := Clean(raw)
	return cleaned, Tokenize(cleaned)
}

// ContentTokens returns tokens with stop words removed
func ContentTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !IsStopWord(t) {
			out = append(out, t)
		}
	}
	return out
}

// Phrases returns the contiguous n-grams of tokens joined by a single space
func Phrases(tokens []string, n int) []string {
	if n <= 0 || len(tokens) < n {
		return nil
	}
	phrases := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		phrases = append(phrases, strings.Join(tokens[i:i+n], " "))
	}
	return phrases
}

// MatchedPhraseCount counts distinct query phrases that occur verbatim in
// the document. Queries of four or more tokens use trigrams, shorter ones
// use bigrams.
func MatchedPhraseCount(queryTokens []string, document string) int {
	n := 3
	if len(queryTokens) < 4 {
		n = 2
	}
	if len(queryTokens) < n {
		return 0
	}

	padded := " " + document + " "
	seen := make(map[string]struct{})
	count := 0
	for _, p := range Phrases(queryTokens, n) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if strings.Contains(padded, " "+p+" ") {
			count++
		}
	}
	return count
}

// MatchPercentage returns the share of unique query words that also appear
// in the document, as a percentage in [0, 100].
func MatchPercentage(queryTokens, docTokens []string) float64 {
	query := unique(queryTokens)
	if len(query) == 0 {
		return 0
	}
	doc := unique(docTokens)
	common := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			common++
		}
	}
	return float64(common) / float64(len(query)) * 100
}

// TextStats summarizes a piece of text
type TextStats struct {
	WordCount     int
	UniqueWords   int
	AvgWordLength float64
}

// Stats computes word statistics over the cleaned form of text
func Stats(text string) TextStats {
	_, tokens := Text(text)
	if len(tokens) == 0 {
		return TextStats{}
	}
	total := 0
	for _, t := range tokens {
		total += len([]rune(t))
	}
	return TextStats{
		WordCount:     len(tokens),
		UniqueWords:   len(unique(tokens)),
		AvgWordLength: float64(total) / float64(len(tokens)),
	}
}

func unique(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
