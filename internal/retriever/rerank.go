package retriever

import (
	"sort"
)

// Reranker reorders vector-search results by combining the similarity
// score with lexical term overlap against the query. Vector search on
// hash embeddings is coarse; the lexical pass pulls documents that
// actually mention the queried instance types, environments, and
// model names to the front.
type Reranker struct {
	// VectorWeight is the share of the final score taken from the
	// similarity score. The remainder comes from term overlap.
	VectorWeight float32
}

// NewReranker creates a reranker with an even split between vector
// similarity and term overlap.
func NewReranker() *Reranker {
	return &Reranker{VectorWeight: 0.5}
}

// Rerank returns up to k results ordered by combined score, ties
// broken by document id ascending. The input slice is not modified.
func (r *Reranker) Rerank(query string, results []Result, k int) []Result {
	if len(results) == 0 {
		return []Result{}
	}
	if k <= 0 || k > len(results) {
		k = len(results)
	}

	queryTerms := rerankTerms(query)

	type scored struct {
		result Result
		score  float32
	}
	ranked := make([]scored, len(results))
	for i, res := range results {
		overlap := termOverlap(queryTerms, rerankTerms(res.Title+" "+res.Content))
		combined := r.VectorWeight*res.Score + (1-r.VectorWeight)*overlap
		out := res
		out.Score = combined
		ranked[i] = scored{result: out, score: combined}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].result.ID < ranked[j].result.ID
		}
		return ranked[i].score > ranked[j].score
	})

	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].result
	}
	return out
}

var rerankStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "for": {},
	"of": {}, "in": {}, "on": {}, "to": {}, "with": {}, "is": {},
	"are": {}, "be": {}, "this": {}, "that": {}, "it": {}, "as": {},
}

// rerankTerms tokenizes text and drops stopwords and one-character
// fragments.
func rerankTerms(text string) []string {
	tokens := splitTokens(text)
	terms := tokens[:0:0]
	for _, tok := range tokens {
		if len(tok) < 2 {
			continue
		}
		if _, stop := rerankStopwords[tok]; stop {
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

// termOverlap is the fraction of unique query terms present in the
// document, in [0,1].
func termOverlap(queryTerms, docTerms []string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTerms))
	for _, t := range docTerms {
		docSet[t] = struct{}{}
	}

	matched := 0
	seen := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := docSet[t]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(seen))
}
