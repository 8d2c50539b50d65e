package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"securequery/internal/domain"
)

// Store is a minimal REST client to Qdrant. Each logical collection maps to
// one Qdrant collection (with an optional name prefix) using cosine distance;
// collections are created on first insert.
type Store struct {
	url    string
	apiKey string
	prefix string
	client *http.Client

	mu         sync.Mutex
	dimensions map[string]int
}

type Config struct {
	URL     string
	APIKey  string
	Prefix  string
	Timeout time.Duration
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		prefix:     cfg.Prefix,
		client:     &http.Client{Timeout: timeout},
		dimensions: make(map[string]int),
	}
}

// pointID derives a stable Qdrant-compatible UUID from a record ID.
func pointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(recordID)).String()
}

func (s *Store) collectionName(name string) string { return s.prefix + name }

func (s *Store) ensureCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	known, ok := s.dimensions[name]
	s.mu.Unlock()
	if ok {
		if known != dimension {
			return fmt.Errorf("%w: got %d, collection %q has %d", domain.ErrDimensionMismatch, dimension, name, known)
		}
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	// Qdrant returns 200 OK if the collection already exists with the same schema.
	if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collectionName(name)), body); err != nil {
		return err
	}
	s.mu.Lock()
	s.dimensions[name] = dimension
	s.mu.Unlock()
	return nil
}

func (s *Store) Insert(ctx context.Context, name string, record domain.LogRecord, vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", domain.ErrDimensionMismatch)
	}
	if err := s.ensureCollection(ctx, name, len(vector)); err != nil {
		return err
	}
	point := map[string]any{
		"id":      pointID(record.ID),
		"vector":  vector,
		"payload": payloadFromRecord(record),
	}
	body := map[string]any{"points": []any{point}}
	return s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collectionName(name)), body)
}

func (s *Store) Search(ctx context.Context, name string, vector []float64, topK int, scoreThreshold float64) ([]domain.RetrievedCandidate, error) {
	if topK <= 0 {
		topK = 5
	}
	s.mu.Lock()
	known, ok := s.dimensions[name]
	s.mu.Unlock()
	if ok && known != len(vector) {
		return nil, fmt.Errorf("%w: query vector has %d, collection %q has %d", domain.ErrDimensionMismatch, len(vector), name, known)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collectionName(name)), req, &resp); err != nil {
		return nil, err
	}
	candidates := make([]domain.RetrievedCandidate, 0, len(resp.Result))
	for _, r := range resp.Result {
		candidates = append(candidates, domain.RetrievedCandidate{
			Record: recordFromPayload(r.Payload),
			Score:  r.Score,
		})
	}
	// Qdrant orders by score but leaves ties arbitrary; enforce ingestion order.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Record.Seq < candidates[j].Record.Seq
	})
	return candidates, nil
}

func (s *Store) Fetch(ctx context.Context, name string, ids []string) ([]domain.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]string, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	req := map[string]any{"ids": pointIDs, "with_payload": true}
	var resp struct {
		Result []struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points", s.url, s.collectionName(name)), req, &resp); err != nil {
		return nil, err
	}
	records := make([]domain.LogRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		records = append(records, recordFromPayload(r.Payload))
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/count", s.url, s.collectionName(name)), map[string]any{"exact": true}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/collections/%s", s.url, s.collectionName(name)), nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("qdrant DELETE collection %s failed: %s", name, resp.Status)
	}
	s.mu.Lock()
	delete(s.dimensions, name)
	s.mu.Unlock()
	return nil
}

func payloadFromRecord(record domain.LogRecord) map[string]any {
	return map[string]any{
		"record_id":   record.ID,
		"seq":         record.Seq,
		"source_type": string(record.SourceType),
		"timestamp":   record.Timestamp.UTC().Format(time.RFC3339Nano),
		"raw_text":    record.RawText,
		"fields":      record.Fields,
	}
}

func recordFromPayload(payload map[string]any) domain.LogRecord {
	record := domain.LogRecord{}
	if v, ok := payload["record_id"].(string); ok {
		record.ID = v
	}
	if v, ok := payload["seq"].(float64); ok {
		record.Seq = int(v)
	}
	if v, ok := payload["source_type"].(string); ok {
		record.SourceType = domain.SourceType(v)
	}
	if v, ok := payload["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			record.Timestamp = ts
		}
	}
	if v, ok := payload["raw_text"].(string); ok {
		record.RawText = v
	}
	if m, ok := payload["fields"].(map[string]any); ok {
		fields := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		record.Fields = fields
	}
	return record
}

func (s *Store) putJSON(ctx context.Context, url string, body any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant PUT %s failed: %s", url, resp.Status)
	}
	return nil
}

func (s *Store) postJSON(ctx context.Context, url string, body any, out any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}
