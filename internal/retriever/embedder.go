package retriever

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// LocalEmbedder produces deterministic bag-of-words hash embeddings.
// No model download, no network, stable across processes. Quality is
// far below a learned model, which is why retrieval always reranks
// lexically on top of it.
type LocalEmbedder struct {
	dim int
}

// DefaultDimension matches the small sentence-embedding models the
// index is sized for.
const DefaultDimension = 384

// NewLocalEmbedder creates an embedder with the given dimension. A
// non-positive dim falls back to DefaultDimension.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &LocalEmbedder{dim: dim}
}

// EmbedQuery hashes each token into a bucket and L2-normalizes the
// resulting vector. Identical text always embeds identically.
func (e *LocalEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range splitTokens(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dim))
		// The high bit decides the sign so that distinct vocabularies
		// do not all pile into the positive orthant.
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimension reports the embedding width.
func (e *LocalEmbedder) Dimension() int { return e.dim }

func splitTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
