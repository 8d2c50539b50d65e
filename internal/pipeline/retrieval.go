package pipeline

import (
	"context"
	"fmt"

	"securequery/internal/domain"
	"securequery/internal/vectorstore"
)

// Retrieval embeds a question and surfaces the nearest log records. An empty
// result (empty collection, or nothing above the threshold) is a normal
// outcome, not an error.
type Retrieval struct {
	embedder domain.Embedder
	store    vectorstore.Store
}

func NewRetrieval(embedder domain.Embedder, store vectorstore.Store) *Retrieval {
	return &Retrieval{embedder: embedder, store: store}
}

// Retrieve returns up to topK candidates ranked by similarity, all scoring at
// least scoreThreshold. An embedding failure is fatal for the query.
func (r *Retrieval) Retrieve(ctx context.Context, question, collection string, topK int, scoreThreshold float64) ([]domain.RetrievedCandidate, error) {
	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	candidates, err := r.store.Search(ctx, collection, vector, topK, scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", collection, err)
	}
	return candidates, nil
}
