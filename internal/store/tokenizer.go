package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches runs of letters and digits in any script.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// DefaultStopWords are dropped from text indexing and content comparison.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
	"in", "is", "it", "of", "on", "or", "that", "the", "to", "was", "with",
}

var defaultStopWordMap = BuildStopWordMap(DefaultStopWords)

// Tokenize splits text into lowercased word tokens.
// Single-character tokens are dropped.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len([]rune(lower)) >= 2 {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// TokenSet returns the distinct non-stop-word tokens of text.
func TokenSet(text string) map[string]struct{} {
	tokens := FilterStopWords(Tokenize(text), defaultStopWordMap)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
