// Package retriever finds policy documents relevant to a deployment
// intent. Retrieval runs in two stages: a vector search over an
// embedded index, followed by a lexical rerank that boosts documents
// sharing vocabulary with the query.
package retriever

import (
	"context"
	"errors"
)

// Document is one policy document in the index.
type Document struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is a retrieved document with its relevance score; higher is
// more relevant. Vector-search scores are cosine similarities and can
// be negative.
type Result struct {
	Document
	Score float32 `json:"score"`
}

// Retriever searches the policy corpus.
type Retriever interface {
	// Retrieve returns up to k documents relevant to query, best
	// first. Ties are broken by document id ascending.
	Retrieve(ctx context.Context, query string, k int) ([]Result, error)
}

// ErrEmptyQuery is returned when the query has no content.
var ErrEmptyQuery = errors.New("retriever: empty query")

// ErrEmptyDocuments is returned when an Add call carries no documents.
var ErrEmptyDocuments = errors.New("retriever: no documents to add")
