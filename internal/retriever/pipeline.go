package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/logging"
)

var pipelineTracer = otel.Tracer("deployd.retriever.pipeline")

// ErrDegraded wraps retrieval failures that should surface as a plan
// warning rather than abort the deployment. Callers check it with
// errors.Is and carry on with empty evidence.
var ErrDegraded = errors.New("retrieval degraded")

// overfetchFactor widens the vector search so the lexical rerank has
// candidates to choose from.
const overfetchFactor = 3

// Pipeline is the two-stage retriever: vector search over the policy
// index, then lexical rerank. Each call runs under the configured
// time budget; a timeout or index failure yields empty results and
// an ErrDegraded instead of a hard failure.
type Pipeline struct {
	index    *PolicyIndex
	reranker *Reranker
	timeout  time.Duration
	logger   *logging.Logger
}

// NewPipeline assembles the pipeline. A non-positive timeout disables
// the budget. A nil logger is replaced with a nop.
func NewPipeline(index *PolicyIndex, timeout time.Duration, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		index:    index,
		reranker: NewReranker(),
		timeout:  timeout,
		logger:   logger.Named("retriever.pipeline"),
	}
}

// Retrieve returns up to k policy documents relevant to query, best
// first, ties broken by document id ascending. On timeout or index
// error it returns no results and an error wrapping ErrDegraded.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := pipelineTracer.Start(ctx, "Pipeline.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return []Result{}, nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	candidates, err := p.index.Retrieve(ctx, query, k*overfetchFactor)
	if err != nil {
		p.logger.Warn(ctx, "retrieval degraded, continuing without evidence",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		span.RecordError(err)
		return []Result{}, fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	ranked := p.reranker.Rerank(query, candidates, k)

	span.SetAttributes(attribute.Int("results", len(ranked)))
	p.logger.Debug(ctx, "retrieval complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(ranked)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return ranked, nil
}
