package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"securequery/internal/domain"
	"securequery/internal/normalizer"
	"securequery/internal/pipeline"
	"securequery/internal/synthesis"
	"securequery/internal/vectorstore"
)

// Options carries the tuning parameters of the service. Zero values fall back
// to the defaults below.
type Options struct {
	TopK           int
	ScoreThreshold float64
	Concurrency    int
	EmbedBatchSize int
	EmbedAttempts  int
	// DisableDedupe mixes a fresh nonce into record IDs on every ingestion
	// run, so re-ingesting identical content creates new records.
	DisableDedupe bool
}

const (
	defaultTopK           = 5
	defaultConcurrency    = 4
	defaultEmbedBatchSize = 16
	defaultEmbedAttempts  = 3
)

// Service wires the query pipeline together: normalize and embed on ingest,
// retrieve and synthesize on query. It never prints; all failures are
// returned as typed errors for the caller to present.
type Service struct {
	normalizer *normalizer.Normalizer
	embedder   domain.Embedder
	store      vectorstore.Store
	retrieval  *pipeline.Retrieval
	synth      *synthesis.Synthesizer
	opts       Options
}

func New(embedder domain.Embedder, store vectorstore.Store, model domain.LanguageModel, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = defaultEmbedBatchSize
	}
	if opts.EmbedAttempts <= 0 {
		opts.EmbedAttempts = defaultEmbedAttempts
	}
	return &Service{
		normalizer: normalizer.New(),
		embedder:   embedder,
		store:      store,
		retrieval:  pipeline.NewRetrieval(embedder, store),
		synth:      synthesis.New(model),
		opts:       opts,
	}
}

// Ingest normalizes content into records, embeds them concurrently and
// inserts them into the collection. One malformed entry skips with a warning;
// an embedding-backend outage fails the batch once the retry budget is spent.
func (s *Service) Ingest(ctx context.Context, collection string, content []byte, sourceType domain.SourceType) (*domain.IngestReport, error) {
	nonce := ""
	if s.opts.DisableDedupe {
		nonce = uuid.NewString()
	}
	records, warnings, err := s.normalizer.Normalize(content, sourceType, collection, nonce)
	if err != nil {
		return nil, err
	}
	report := &domain.IngestReport{RecordsSkipped: len(warnings), Warnings: warnings}
	if len(records) == 0 {
		return report, nil
	}

	vectors := make([][]float64, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for start := 0; start < len(records); start += s.opts.EmbedBatchSize {
		start := start
		end := min(start+s.opts.EmbedBatchSize, len(records))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, r := range records[start:end] {
				texts = append(texts, r.SearchText())
			}
			vecs, err := s.embedWithRetry(gctx, texts)
			if err != nil {
				return err
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, mapDeadline(err)
	}

	// Insert in batch order so ties in later searches resolve to earlier
	// entries. A record becomes queryable only here, after both its
	// normalization and its embedding succeeded.
	for i, record := range records {
		if err := s.store.Insert(ctx, collection, record, vectors[i]); err != nil {
			return nil, mapDeadline(fmt.Errorf("insert %s: %w", record.ID, err))
		}
	}
	report.RecordsIngested = len(records)
	return report, nil
}

// Query runs the retrieval pipeline for one question. The caller bounds the
// whole pipeline through ctx; an exceeded deadline surfaces as ErrTimeout
// with no partial result.
func (s *Service) Query(ctx context.Context, collection, question string, opts domain.QueryOptions) (*domain.QueryResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	threshold := opts.ScoreThreshold
	if threshold == 0 {
		threshold = s.opts.ScoreThreshold
	}
	candidates, err := s.retrieval.Retrieve(ctx, question, collection, topK, threshold)
	if err != nil {
		return nil, mapDeadline(err)
	}
	result, err := s.synth.Synthesize(ctx, question, candidates)
	if err != nil {
		return nil, mapDeadline(err)
	}
	return result, nil
}

// Records resolves record IDs (typically QueryResult citations) to the stored
// records, for display.
func (s *Service) Records(ctx context.Context, collection string, ids []string) ([]domain.LogRecord, error) {
	return s.store.Fetch(ctx, collection, ids)
}

// Count reports how many records the collection holds.
func (s *Service) Count(ctx context.Context, collection string) (int, error) {
	return s.store.Count(ctx, collection)
}

// Reset removes the collection and everything in it.
func (s *Service) Reset(ctx context.Context, collection string) error {
	return s.store.Delete(ctx, collection)
}

// embedWithRetry retries transient embedding failures with exponential
// backoff up to the configured attempt budget. Other failures are immediate.
func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.EmbedAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func mapDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
