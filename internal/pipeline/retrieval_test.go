package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"securequery/internal/domain"
	"securequery/internal/vectorstore/memory"
)

// axisEmbedder maps known texts onto fixed axes so test scores are exact.
type axisEmbedder struct {
	axes map[string]int
	err  error
}

func (e *axisEmbedder) Name() string   { return "axis" }
func (e *axisEmbedder) Dimension() int { return 4 }

func (e *axisEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	vec := make([]float64, 4)
	axis, ok := e.axes[text]
	if !ok {
		return nil, fmt.Errorf("unexpected text %q", text)
	}
	vec[axis] = 1
	return vec, nil
}

func (e *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func TestRetrievePassesThroughRanking(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	inserts := []struct {
		id  string
		vec []float64
	}{
		{"hit", []float64{1, 0, 0, 0}},
		{"partial", []float64{1, 1, 0, 0}},
		{"miss", []float64{0, 0, 1, 0}},
	}
	for i, in := range inserts {
		rec := domain.LogRecord{ID: in.id, Seq: i, RawText: in.id}
		if err := store.Insert(ctx, "col", rec, in.vec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	emb := &axisEmbedder{axes: map[string]int{"who deleted the bucket?": 0}}
	got, err := NewRetrieval(emb, store).Retrieve(ctx, "who deleted the bucket?", "col", 5, 0.5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 || got[0].Record.ID != "hit" || got[1].Record.ID != "partial" {
		t.Errorf("candidates = %v", got)
	}
}

func TestRetrieveEmptyCollectionIsNotAnError(t *testing.T) {
	emb := &axisEmbedder{axes: map[string]int{"anything?": 0}}
	got, err := NewRetrieval(emb, memory.NewStore()).Retrieve(context.Background(), "anything?", "col", 5, 0.25)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %v", got)
	}
}

func TestRetrieveEmbedFailureIsFatal(t *testing.T) {
	emb := &axisEmbedder{err: fmt.Errorf("%w: backend down", domain.ErrEmbeddingUnavailable)}
	_, err := NewRetrieval(emb, memory.NewStore()).Retrieve(context.Background(), "q", "col", 5, 0.25)
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}
