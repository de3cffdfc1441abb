package retriever

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/logging"
)

var indexTracer = otel.Tracer("deployd.retriever.index")

// PolicyIndex stores policy documents in an embedded chromem-go
// vector database. With an IndexPath it persists to disk; without one
// it lives in memory.
type PolicyIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	logger     *logging.Logger
}

// NewPolicyIndex opens or creates the index. The collection name must
// be non-empty. A nil logger is replaced with a nop.
func NewPolicyIndex(indexPath, collection string, embedder Embedder, logger *logging.Logger) (*PolicyIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retriever: embedder is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("retriever: collection name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("retriever.index")

	var db *chromem.DB
	if indexPath == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(indexPath, 0o700); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", indexPath, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(indexPath, false)
		if err != nil {
			return nil, fmt.Errorf("opening policy index: %w", err)
		}
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", collection, err)
	}

	logger.Info(context.Background(), "policy index ready",
		zap.String("path", indexPath),
		zap.String("collection", collection),
		zap.Int("documents", col.Count()),
	)

	return &PolicyIndex{db: db, collection: col, embedder: embedder, logger: logger}, nil
}

// Add inserts or replaces documents by id.
func (x *PolicyIndex) Add(ctx context.Context, docs []Document) error {
	ctx, span := indexTracer.Start(ctx, "PolicyIndex.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	items := make([]chromem.Document, 0, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("retriever: document at index %d has no id", i)
		}
		meta := map[string]string{"title": d.Title}
		for k, v := range d.Metadata {
			meta[k] = v
		}
		items = append(items, chromem.Document{
			ID:       d.ID,
			Content:  d.Content,
			Metadata: meta,
		})
	}

	if err := x.collection.AddDocuments(ctx, items, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	x.logger.Debug(ctx, "indexed policy documents", zap.Int("count", len(docs)))
	return nil
}

// Count reports how many documents the index holds.
func (x *PolicyIndex) Count() int { return x.collection.Count() }

// Retrieve runs a vector search and returns up to k documents ranked
// by similarity. chromem rejects a k above the document count, so the
// request is capped first.
func (x *PolicyIndex) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := indexTracer.Start(ctx, "PolicyIndex.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, fmt.Errorf("retriever: k must be positive, got %d", k)
	}

	count := x.collection.Count()
	if count == 0 {
		return []Result{}, nil
	}
	if k > count {
		k = count
	}

	hits, err := x.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying policy index: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		meta := make(map[string]string, len(h.Metadata))
		title := ""
		for mk, mv := range h.Metadata {
			if mk == "title" {
				title = mv
				continue
			}
			meta[mk] = mv
		}
		if len(meta) == 0 {
			meta = nil
		}
		results[i] = Result{
			Document: Document{ID: h.ID, Title: title, Content: h.Content, Metadata: meta},
			Score:    h.Similarity,
		}
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	x.logger.Debug(ctx, "vector search complete",
		zap.Int("k", k),
		zap.Int("results", len(results)),
	)
	return results, nil
}
