package normalizer

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"securequery/internal/domain"
)

// Normalizer parses raw uploaded content into canonical LogRecords. A whole
// input that cannot be parsed as its declared source type is a ParseError;
// a single bad entry inside a valid batch is skipped with a warning.
type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer { return &Normalizer{now: time.Now} }

// Normalize converts content into records for the given collection. The nonce
// is mixed into record IDs; an empty nonce makes IDs deterministic so that
// re-ingesting identical content is detectable (deduplication).
func (n *Normalizer) Normalize(content []byte, st domain.SourceType, collection, nonce string) ([]domain.LogRecord, []string, error) {
	switch st {
	case domain.SourceCloudAudit:
		return n.normalizeJSON(content, st, collection, nonce, "Records")
	case domain.SourceGenericJSON:
		return n.normalizeJSON(content, st, collection, nonce, "logs")
	case domain.SourcePlainText:
		return n.normalizePlainText(content, collection, nonce), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownSourceType, st)
}

func (n *Normalizer) normalizePlainText(content []byte, collection, nonce string) []domain.LogRecord {
	lines := strings.Split(string(content), "\n")
	records := make([]domain.LogRecord, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq := len(records)
		records = append(records, domain.LogRecord{
			ID:         recordID(collection, domain.SourcePlainText, nonce, line, seq),
			Seq:        seq,
			Timestamp:  n.now(),
			SourceType: domain.SourcePlainText,
			RawText:    line,
		})
	}
	return records
}

func (n *Normalizer) normalizeJSON(content []byte, st domain.SourceType, collection, nonce, wrapperKey string) ([]domain.LogRecord, []string, error) {
	entries, warnings, err := decodeEntries(content, wrapperKey)
	if err != nil {
		return nil, nil, &domain.ParseError{SourceType: st, Err: err}
	}
	records := make([]domain.LogRecord, 0, len(entries))
	for _, e := range entries {
		var fields map[string]string
		var ts time.Time
		if st == domain.SourceCloudAudit {
			fields, ts = cloudAuditFields(e.obj)
		} else {
			fields, ts = genericFields(e.obj)
		}
		if ts.IsZero() {
			ts = n.now()
		}
		seq := len(records)
		records = append(records, domain.LogRecord{
			ID:         recordID(collection, st, nonce, e.raw, seq),
			Seq:        seq,
			Timestamp:  ts,
			SourceType: st,
			RawText:    e.raw,
			Fields:     fields,
		})
	}
	return records, warnings, nil
}

type jsonEntry struct {
	obj map[string]any
	raw string
}

// decodeEntries accepts a top-level array, a single object, an object wrapping
// the batch under wrapperKey, or newline-delimited objects. It only fails when
// nothing in the input parses at all.
func decodeEntries(content []byte, wrapperKey string) ([]jsonEntry, []string, error) {
	var top any
	if err := json.Unmarshal(content, &top); err != nil {
		return decodeLines(content)
	}
	switch v := top.(type) {
	case []any:
		return entriesFromSlice(v)
	case map[string]any:
		if wrapped, ok := v[wrapperKey].([]any); ok {
			return entriesFromSlice(wrapped)
		}
		raw, _ := json.Marshal(v)
		return []jsonEntry{{obj: v, raw: string(raw)}}, nil, nil
	}
	return nil, nil, fmt.Errorf("top-level JSON value is %T, want object or array", top)
}

func entriesFromSlice(items []any) ([]jsonEntry, []string, error) {
	entries := make([]jsonEntry, 0, len(items))
	var warnings []string
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("entry %d: not a JSON object, skipped", i+1))
			continue
		}
		raw, _ := json.Marshal(obj)
		entries = append(entries, jsonEntry{obj: obj, raw: string(raw)})
	}
	return entries, warnings, nil
}

func decodeLines(content []byte) ([]jsonEntry, []string, error) {
	lines := strings.Split(string(content), "\n")
	var entries []jsonEntry
	var warnings []string
	sawContent := false
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawContent = true
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: invalid JSON, skipped", i+1))
			continue
		}
		entries = append(entries, jsonEntry{obj: obj, raw: line})
	}
	if !sawContent {
		return nil, nil, fmt.Errorf("input is empty")
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no line parses as a JSON object")
	}
	return entries, warnings, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// formatScalar renders a JSON value as a field string. Composite values are
// re-encoded as compact JSON.
func formatScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// genericFields flattens one level of nesting into field keys joined by ".".
func genericFields(obj map[string]any) (map[string]string, time.Time) {
	fields := make(map[string]string, len(obj))
	var ts time.Time
	for k, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				fields[k+"."+nk] = formatScalar(nv)
			}
			continue
		}
		fields[k] = formatScalar(v)
	}
	for _, key := range []string{"timestamp", "time", "eventTime"} {
		if s, ok := fields[key]; ok {
			if parsed := parseTimestamp(s); !parsed.IsZero() {
				ts = parsed
				break
			}
		}
	}
	return fields, ts
}

func recordID(collection string, st domain.SourceType, nonce, raw string, seq int) string {
	h := sha1.Sum([]byte(collection + "\x00" + string(st) + "\x00" + nonce + "\x00" + raw + "\x00" + strconv.Itoa(seq)))
	return hex.EncodeToString(h[:8])
}
