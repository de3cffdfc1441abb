package memory

import (
	"math"
	"strings"
	"unicode"
)

// tokenize lowercases the text and splits it on any non-alphanumeric
// rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenOverlap scores how much of the query vocabulary appears in the
// candidate text, in [0,1].
func tokenOverlap(query, text string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}

	textSet := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		textSet[tok] = struct{}{}
	}

	matched := 0
	seen := make(map[string]struct{})
	for _, tok := range queryTokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := textSet[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// cosineSimilarity computes the cosine of the angle between two
// vectors, normalized to [0,1]. Mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
