package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceType identifies the declared format of uploaded log content.
type SourceType string

const (
	SourceCloudAudit  SourceType = "cloudaudit"
	SourceGenericJSON SourceType = "genericjson"
	SourcePlainText   SourceType = "plaintext"
)

// ParseSourceType maps a user-facing name to a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cloudaudit", "cloudtrail":
		return SourceCloudAudit, nil
	case "genericjson", "json":
		return SourceGenericJSON, nil
	case "plaintext", "text":
		return SourcePlainText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceType, s)
}

// LogRecord is a single normalized log entry. Records are immutable once
// stored; re-ingesting the same content yields the same ID unless the
// ingestion run mixes in a fresh nonce.
type LogRecord struct {
	ID         string
	Seq        int
	Timestamp  time.Time
	SourceType SourceType
	RawText    string
	Fields     map[string]string
}

// Canonical field keys extracted by the normalizer.
const (
	FieldActor    = "actor"
	FieldAction   = "action"
	FieldSourceIP = "sourceIp"
	FieldResource = "resource"
	FieldOutcome  = "outcome"
	FieldError    = "error"
)

// SearchText renders the record as a single line of searchable text used for
// embedding. Known fields come first in a fixed order, the rest sorted by key.
func (r LogRecord) SearchText() string {
	if len(r.Fields) == 0 {
		return r.RawText
	}
	parts := make([]string, 0, len(r.Fields)+2)
	appendPart := func(label, key string) {
		if v := r.Fields[key]; v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	appendPart("Event", FieldAction)
	if !r.Timestamp.IsZero() {
		parts = append(parts, "Time: "+r.Timestamp.UTC().Format(time.RFC3339))
	}
	appendPart("User", FieldActor)
	appendPart("IP", FieldSourceIP)
	appendPart("Resource", FieldResource)
	appendPart("Result", FieldOutcome)
	appendPart("Error", FieldError)

	known := map[string]struct{}{
		FieldAction: {}, FieldActor: {}, FieldSourceIP: {},
		FieldResource: {}, FieldOutcome: {}, FieldError: {},
	}
	rest := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if _, ok := known[k]; ok {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+": "+r.Fields[k])
	}
	return strings.Join(parts, " | ")
}

// RetrievedCandidate is a record surfaced by similarity search, with its
// relevance score (higher is more relevant). Never persisted.
type RetrievedCandidate struct {
	Record LogRecord
	Score  float64
}

// QueryResult is the outcome of one grounded query. Citations only ever
// reference records that were passed to the synthesizer for that query.
type QueryResult struct {
	AnswerText           string
	Citations            []string
	CandidatesConsidered int
}

// IngestReport summarizes one ingestion batch. Each skipped entry contributes
// exactly one warning.
type IngestReport struct {
	RecordsIngested int
	RecordsSkipped  int
	Warnings        []string
}

// QueryOptions tunes a single query. Zero values fall back to the service
// defaults; a negative ScoreThreshold disables the cutoff.
type QueryOptions struct {
	TopK           int
	ScoreThreshold float64
}
