package domain

import "context"

// Embedder converts text into a fixed-dimension numeric vector. The same text
// and backend configuration must always produce the same vector.
type Embedder interface {
	Name() string
	// Dimension may be 0 for remote backends until the first embedding returns.
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch preserves input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// LanguageModel produces a completion for a prompt. Concrete backends are
// selected at configuration time and never referenced by name in the pipeline.
type LanguageModel interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}
