package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"securequery/internal/domain"
	"securequery/internal/vectorstore/memory"
)

// keywordEmbedder maps texts onto fixed orthogonal axes by substring match, so
// retrieval scores in these tests are exact instead of depending on token
// hashing.
type keywordEmbedder struct {
	rules []struct {
		substr string
		axis   int
	}
}

func newKeywordEmbedder(substrs ...string) *keywordEmbedder {
	e := &keywordEmbedder{}
	for i, s := range substrs {
		e.rules = append(e.rules, struct {
			substr string
			axis   int
		}{strings.ToLower(s), i})
	}
	return e
}

func (e *keywordEmbedder) Name() string   { return "keyword" }
func (e *keywordEmbedder) Dimension() int { return len(e.rules) + 1 }

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.Dimension())
	lower := strings.ToLower(text)
	for _, rule := range e.rules {
		if strings.Contains(lower, rule.substr) {
			vec[rule.axis] = 1
			return vec, nil
		}
	}
	vec[len(e.rules)] = 1
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
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

// flakyEmbedder fails the first n EmbedBatch calls with a transient error.
type flakyEmbedder struct {
	inner    domain.Embedder
	failures int
	calls    int
}

func (e *flakyEmbedder) Name() string   { return "flaky" }
func (e *flakyEmbedder) Dimension() int { return e.inner.Dimension() }

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.inner.Embed(ctx, text)
}

func (e *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, fmt.Errorf("%w: transient outage", domain.ErrEmbeddingUnavailable)
	}
	return e.inner.EmbedBatch(ctx, texts)
}

// blockingEmbedder never returns until the context expires.
type blockingEmbedder struct{}

func (blockingEmbedder) Name() string   { return "blocking" }
func (blockingEmbedder) Dimension() int { return 2 }

func (blockingEmbedder) Embed(ctx context.Context, _ string) ([]float64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b blockingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	_, err := b.Embed(ctx, "")
	return nil, err
}

type scriptModel struct {
	answer string
	err    error
	calls  int
}

func (m *scriptModel) Name() string { return "script" }

func (m *scriptModel) Complete(_ context.Context, _ string) (string, error) {
	m.calls++
	return m.answer, m.err
}

const auditBatch = `{"Records":[
	{"eventName":"DeleteBucket","eventTime":"2024-03-01T12:30:00Z","userIdentity":{"userName":"alice"},"requestParameters":{"bucketName":"prod-backups"}},
	{"eventName":"ConsoleLogin","userIdentity":{"userName":"mallory"},"responseElements":{"ConsoleLogin":"Failure"}},
	{"eventName":"ListBuckets","userIdentity":{"userName":"bob"}}
]}`

func TestIngestThenQueryCitesTheRightRecord(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("delete", "consolelogin", "listbuckets")
	model := &scriptModel{answer: "alice deleted the prod-backups bucket [L1]."}
	svc := New(emb, memory.NewStore(), model, Options{})

	report, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.RecordsIngested != 3 || report.RecordsSkipped != 0 {
		t.Fatalf("report = %+v", report)
	}

	result, err := svc.Query(ctx, "audit", "Who deleted the prod-backups bucket?", domain.QueryOptions{TopK: 5, ScoreThreshold: 0.5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.CandidatesConsidered != 1 {
		t.Errorf("CandidatesConsidered = %d, want 1", result.CandidatesConsidered)
	}
	if len(result.Citations) != 1 {
		t.Fatalf("Citations = %v, want exactly one", result.Citations)
	}
	cited, err := svc.Records(ctx, "audit", result.Citations)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(cited) != 1 {
		t.Fatalf("cited = %v", cited)
	}
	if cited[0].Fields[domain.FieldAction] != "DeleteBucket" || cited[0].Fields[domain.FieldActor] != "alice" {
		t.Errorf("cited the wrong record: %v", cited[0].Fields)
	}
}

func TestQueryEmptyCollectionSkipsModel(t *testing.T) {
	ctx := context.Background()
	model := &scriptModel{answer: "must not be used"}
	svc := New(newKeywordEmbedder("delete"), memory.NewStore(), model, Options{})

	result, err := svc.Query(ctx, "empty", "Who deleted the bucket?", domain.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if model.calls != 0 {
		t.Errorf("model called %d times on empty collection", model.calls)
	}
	if len(result.Citations) != 0 || result.CandidatesConsidered != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.AnswerText == "" {
		t.Error("expected a deterministic no-evidence answer")
	}
}

func TestReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := New(newKeywordEmbedder("delete"), memory.NewStore(), &scriptModel{}, Options{})
	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	n, err := svc.Count(ctx, "audit")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("count after re-ingest = %d, want 3", n)
	}
}

func TestDisableDedupeCreatesNewRecords(t *testing.T) {
	ctx := context.Background()
	svc := New(newKeywordEmbedder("delete"), memory.NewStore(), &scriptModel{}, Options{DisableDedupe: true})
	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	n, err := svc.Count(ctx, "audit")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Errorf("count with dedupe disabled = %d, want 6", n)
	}
}

func TestIngestSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	svc := New(newKeywordEmbedder("login"), memory.NewStore(), &scriptModel{}, Options{})
	content := "{\"action\":\"Login\"}\nnot json\n{\"action\":\"Logout\"}"
	report, err := svc.Ingest(ctx, "col", []byte(content), domain.SourceGenericJSON)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.RecordsIngested != 2 || report.RecordsSkipped != 1 || len(report.Warnings) != 1 {
		t.Errorf("report = %+v", report)
	}
	n, _ := svc.Count(ctx, "col")
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestIngestRetriesTransientEmbedFailures(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{inner: newKeywordEmbedder("delete"), failures: 1}
	svc := New(emb, memory.NewStore(), &scriptModel{}, Options{EmbedBatchSize: 100})
	report, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit)
	if err != nil {
		t.Fatalf("ingest should survive one transient failure: %v", err)
	}
	if report.RecordsIngested != 3 {
		t.Errorf("RecordsIngested = %d", report.RecordsIngested)
	}
	if emb.calls != 2 {
		t.Errorf("embed calls = %d, want 2", emb.calls)
	}
}

func TestIngestFailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{inner: newKeywordEmbedder("delete"), failures: 100}
	svc := New(emb, memory.NewStore(), &scriptModel{}, Options{EmbedBatchSize: 100, EmbedAttempts: 2})
	_, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit)
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if emb.calls != 2 {
		t.Errorf("embed calls = %d, want the configured attempt budget", emb.calls)
	}
	n, _ := svc.Count(ctx, "audit")
	if n != 0 {
		t.Errorf("failed ingest left %d records behind", n)
	}
}

func TestQueryDeadlineMapsToTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	svc := New(blockingEmbedder{}, memory.NewStore(), &scriptModel{}, Options{})
	_, err := svc.Query(ctx, "col", "anything", domain.QueryOptions{})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestQueryOptionDefaults(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("delete")
	model := &scriptModel{answer: "[L1]"}
	svc := New(emb, memory.NewStore(), model, Options{TopK: 1, ScoreThreshold: 0.5})
	if _, err := svc.Ingest(ctx, "audit", []byte(auditBatch), domain.SourceCloudAudit); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Zero options take the service defaults; only the one on-axis record
	// clears the 0.5 threshold.
	result, err := svc.Query(ctx, "audit", "who issued delete calls?", domain.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.CandidatesConsidered != 1 {
		t.Errorf("CandidatesConsidered = %d, want 1", result.CandidatesConsidered)
	}

	// A negative threshold disables the cutoff, so the off-axis records come
	// back too (still capped by TopK).
	result, err = svc.Query(ctx, "audit", "who issued delete calls?", domain.QueryOptions{TopK: 3, ScoreThreshold: -1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.CandidatesConsidered != 3 {
		t.Errorf("CandidatesConsidered = %d, want 3", result.CandidatesConsidered)
	}
}
