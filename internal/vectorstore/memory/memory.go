package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"securequery/internal/domain"
)

// Store is an in-memory vector store using brute-force cosine similarity.
// Collections are created implicitly on first insert.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dimension int
	entries   []entry // ingestion order
	index     map[string]int
}

type entry struct {
	record domain.LogRecord
	vector []float64
}

func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) Insert(ctx context.Context, name string, record domain.LogRecord, vector []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", domain.ErrDimensionMismatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		col = &collection{dimension: len(vector), index: make(map[string]int)}
		s.collections[name] = col
	}
	if len(vector) != col.dimension {
		return fmt.Errorf("%w: got %d, collection %q has %d", domain.ErrDimensionMismatch, len(vector), name, col.dimension)
	}
	if i, exists := col.index[record.ID]; exists {
		// Overwrite in place so the original ingestion order is kept.
		col.entries[i] = entry{record: record, vector: vector}
		return nil
	}
	col.index[record.ID] = len(col.entries)
	col.entries = append(col.entries, entry{record: record, vector: vector})
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vector []float64, topK int, scoreThreshold float64) ([]domain.RetrievedCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	if len(vector) != col.dimension {
		return nil, fmt.Errorf("%w: query vector has %d, collection %q has %d", domain.ErrDimensionMismatch, len(vector), name, col.dimension)
	}
	candidates := make([]domain.RetrievedCandidate, 0, len(col.entries))
	for _, e := range col.entries {
		score := cosine(e.vector, vector)
		if score < scoreThreshold {
			continue
		}
		candidates = append(candidates, domain.RetrievedCandidate{Record: e.record, Score: score})
	}
	// Stable sort keeps ingestion order among equal scores.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if topK < len(candidates) {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *Store) Fetch(ctx context.Context, name string, ids []string) ([]domain.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	positions := make([]int, 0, len(ids))
	for _, id := range ids {
		if i, exists := col.index[id]; exists {
			positions = append(positions, i)
		}
	}
	sort.Ints(positions)
	records := make([]domain.LogRecord, 0, len(positions))
	for _, i := range positions {
		records = append(records, col.entries[i].record)
	}
	return records, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return 0, nil
	}
	return len(col.entries), nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func cosine(a, b []float64) float64 {
	dot, na, nb := 0.0, 0.0, 0.0
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
