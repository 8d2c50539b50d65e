package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"securequery/internal/domain"
)

// Store is a vector store backed by Postgres with the pgvector extension.
// It is the durable backend: collections survive process restarts.
type Store struct {
	db        *sql.DB
	dimension int
}

// New connects to Postgres and ensures the schema exists. The embedding
// dimension is fixed per deployment and must match the configured embedder.
func New(dsn string, dimension int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewFromDB(db, dimension)
}

// NewFromDB reuses an existing *sql.DB.
func NewFromDB(db *sql.DB, dimension int) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if dimension <= 0 {
		return nil, errors.New("embedding dimension is required")
	}
	store := &Store{db: db, dimension: dimension}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema() error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS log_vectors (
  collection  text NOT NULL,
  record_id   text NOT NULL,
  seq         bigint NOT NULL,
  source_type text NOT NULL,
  ts          timestamptz NOT NULL,
  raw_text    text NOT NULL,
  fields      jsonb,
  embedding   vector(%d),
  created_at  timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, record_id)
);
CREATE INDEX IF NOT EXISTS log_vectors_collection_idx ON log_vectors (collection, seq);
CREATE INDEX IF NOT EXISTS log_vectors_embedding_idx ON log_vectors USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`, s.dimension)
	_, err := s.db.Exec(ddl)
	return err
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection string, record domain.LogRecord, vector []float64) error {
	embedding, err := s.vectorLiteral(vector)
	if err != nil {
		return err
	}
	fields, _ := json.Marshal(record.Fields)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO log_vectors (collection, record_id, seq, source_type, ts, raw_text, fields, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (collection, record_id) DO UPDATE SET
  seq=EXCLUDED.seq,
  source_type=EXCLUDED.source_type,
  ts=EXCLUDED.ts,
  raw_text=EXCLUDED.raw_text,
  fields=EXCLUDED.fields,
  embedding=EXCLUDED.embedding;
`, collection, record.ID, record.Seq, string(record.SourceType), record.Timestamp.UTC(), record.RawText, fields, embedding)
	return err
}

func (s *Store) Search(ctx context.Context, collection string, vector []float64, topK int, scoreThreshold float64) ([]domain.RetrievedCandidate, error) {
	if topK <= 0 {
		topK = 5
	}
	embedding, err := s.vectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT record_id, seq, source_type, ts, raw_text, fields, 1 - (embedding <=> $2) AS score
FROM log_vectors
WHERE collection = $1 AND 1 - (embedding <=> $2) >= $3
ORDER BY embedding <=> $2 ASC, seq ASC
LIMIT $4;
`, collection, embedding, scoreThreshold, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []domain.RetrievedCandidate
	for rows.Next() {
		record, score, err := scanRecord(rows, true)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, domain.RetrievedCandidate{Record: record, Score: score})
	}
	return candidates, rows.Err()
}

func (s *Store) Fetch(ctx context.Context, collection string, ids []string) ([]domain.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT record_id, seq, source_type, ts, raw_text, fields
FROM log_vectors
WHERE collection = $1 AND record_id = ANY($2)
ORDER BY seq ASC;
`, collection, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.LogRecord
	for rows.Next() {
		record, _, err := scanRecord(rows, false)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM log_vectors WHERE collection = $1;`, collection).Scan(&count)
	return count, err
}

func (s *Store) Delete(ctx context.Context, collection string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM log_vectors WHERE collection = $1;`, collection)
	return err
}

func scanRecord(rows *sql.Rows, withScore bool) (domain.LogRecord, float64, error) {
	var record domain.LogRecord
	var sourceType string
	var fields []byte
	var score float64
	var err error
	if withScore {
		err = rows.Scan(&record.ID, &record.Seq, &sourceType, &record.Timestamp, &record.RawText, &fields, &score)
	} else {
		err = rows.Scan(&record.ID, &record.Seq, &sourceType, &record.Timestamp, &record.RawText, &fields)
	}
	if err != nil {
		return domain.LogRecord{}, 0, err
	}
	record.SourceType = domain.SourceType(sourceType)
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &record.Fields)
	}
	return record, score, nil
}

// vectorLiteral renders a pgvector literal, e.g. "[0.1,0.2]".
func (s *Store) vectorLiteral(vector []float64) (string, error) {
	if len(vector) != s.dimension {
		return "", fmt.Errorf("%w: got %d, store configured for %d", domain.ErrDimensionMismatch, len(vector), s.dimension)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String(), nil
}
