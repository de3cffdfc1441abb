package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deployd/internal/logging"
)

func policyDocs() []Document {
	return []Document{
		{
			ID:      "policy-gpu",
			Title:   "GPU instance policy",
			Content: "GPU instances ml.g5.xlarge and larger require explicit approval in staging and prod environments.",
		},
		{
			ID:      "policy-llama",
			Title:   "Llama deployment guide",
			Content: "Deploy llama models on ml.m5.xlarge or larger. Chatbot workloads need at least two instances in prod.",
		},
		{
			ID:      "policy-budget",
			Title:   "Budget limits",
			Content: "Hourly budget caps apply per environment. Staging deployments above fifteen dollars per hour are rejected.",
		},
	}
}

func newTestIndex(t *testing.T) *PolicyIndex {
	t.Helper()
	idx, err := NewPolicyIndex("", "test_policies", NewLocalEmbedder(64), logging.NewNop())
	require.NoError(t, err)
	return idx
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewLocalEmbedder(64)

	a, err := e.EmbedQuery(ctx, "deploy llama for chatbot")
	require.NoError(t, err)
	b, err := e.EmbedQuery(ctx, "deploy llama for chatbot")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	other, err := e.EmbedQuery(ctx, "completely different text about budgets")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestLocalEmbedderDefaults(t *testing.T) {
	e := NewLocalEmbedder(0)
	assert.Equal(t, DefaultDimension, e.Dimension())

	vec, err := e.EmbedQuery(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, vec, DefaultDimension)
}

func TestPolicyIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	empty, err := idx.Retrieve(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, idx.Add(ctx, policyDocs()))
	assert.Equal(t, 3, idx.Count())

	// k above the document count is capped, not an error.
	got, err := idx.Retrieve(ctx, "llama chatbot instances", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	for _, r := range got {
		assert.NotEmpty(t, r.ID)
		assert.NotEmpty(t, r.Title)
	}
}

func TestPolicyIndexRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	assert.ErrorIs(t, idx.Add(ctx, nil), ErrEmptyDocuments)
	assert.Error(t, idx.Add(ctx, []Document{{Content: "no id"}}))

	_, err := idx.Retrieve(ctx, "", 3)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = idx.Retrieve(ctx, "query", 0)
	assert.Error(t, err)
}

func TestRerankPrefersLexicalMatches(t *testing.T) {
	results := []Result{
		{Document: Document{ID: "d1", Title: "GPU policy", Content: "gpu approval rules"}, Score: 0.9},
		{Document: Document{ID: "d2", Title: "Llama guide", Content: "deploy llama chatbot staging"}, Score: 0.5},
	}

	ranked := NewReranker().Rerank("deploy llama chatbot staging", results, 2)
	require.Len(t, ranked, 2)
	// Full term overlap outweighs the higher vector score.
	assert.Equal(t, "d2", ranked[0].ID)
}

func TestRerankTieBreaksByID(t *testing.T) {
	results := []Result{
		{Document: Document{ID: "zeta", Content: "budget caps"}, Score: 0.5},
		{Document: Document{ID: "alpha", Content: "budget caps"}, Score: 0.5},
	}

	ranked := NewReranker().Rerank("budget caps", results, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "alpha", ranked[0].ID)
	assert.Equal(t, "zeta", ranked[1].ID)
}

func TestRerankLimit(t *testing.T) {
	results := []Result{
		{Document: Document{ID: "d1", Content: "llama"}, Score: 0.1},
		{Document: Document{ID: "d2", Content: "llama"}, Score: 0.2},
		{Document: Document{ID: "d3", Content: "llama"}, Score: 0.3},
	}

	assert.Len(t, NewReranker().Rerank("llama", results, 2), 2)
	assert.Len(t, NewReranker().Rerank("llama", results, 0), 3)
	assert.Empty(t, NewReranker().Rerank("llama", nil, 2))
}

func TestTermOverlapScores(t *testing.T) {
	assert.Equal(t, float32(1), termOverlap(rerankTerms("deploy llama"), rerankTerms("deploy the llama model")))
	assert.Equal(t, float32(0.5), termOverlap(rerankTerms("deploy llama"), rerankTerms("deploy bert")))
	assert.Equal(t, float32(0), termOverlap(nil, rerankTerms("anything")))
}

func TestPipelineRetrieve(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Add(ctx, policyDocs()))

	p := NewPipeline(idx, 10*time.Second, logging.NewNop())

	got, err := p.Retrieve(ctx, "deploy llama chatbot on two instances", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "policy-llama", got[0].ID)

	none, err := p.Retrieve(ctx, "query", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = p.Retrieve(ctx, "", 2)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

// flakyEmbedder works until fail is set, then errors. It drives
// the index into a query failure after documents were added.
type flakyEmbedder struct {
	inner *LocalEmbedder
	calls int
	fail  bool
}

func (f *flakyEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedder offline")
	}
	return f.inner.EmbedQuery(ctx, text)
}

func (f *flakyEmbedder) Dimension() int { return f.inner.Dimension() }

func TestPipelineDegradesOnFailure(t *testing.T) {
	ctx := context.Background()
	embed := &flakyEmbedder{inner: NewLocalEmbedder(64)}
	idx, err := NewPolicyIndex("", "test_policies", embed, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, policyDocs()))

	embed.fail = true
	p := NewPipeline(idx, 10*time.Second, logging.NewNop())

	got, err := p.Retrieve(ctx, "deploy llama", 2)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Empty(t, got)
}
