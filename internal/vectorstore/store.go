package vectorstore

import (
	"context"

	"securequery/internal/domain"
)

// Store persists record vectors per collection and supports similarity
// search. Implementations must be safe for concurrent use; an insert is
// visible to searches issued after it returns.
type Store interface {
	// Insert adds one entry. Inserting the same record ID twice overwrites
	// the earlier entry instead of duplicating it.
	Insert(ctx context.Context, collection string, record domain.LogRecord, vector []float64) error
	// Search returns candidates ranked by cosine similarity descending, ties
	// broken by earlier ingestion order. Entries scoring below scoreThreshold
	// are excluded; topK bounds the result count.
	Search(ctx context.Context, collection string, vector []float64, topK int, scoreThreshold float64) ([]domain.RetrievedCandidate, error)
	// Fetch returns the stored records for the given IDs, in ingestion order.
	// Unknown IDs are ignored.
	Fetch(ctx context.Context, collection string, ids []string) ([]domain.LogRecord, error)
	// Count reports the number of entries in the collection.
	Count(ctx context.Context, collection string) (int, error)
	// Delete removes the whole collection.
	Delete(ctx context.Context, collection string) error
}
