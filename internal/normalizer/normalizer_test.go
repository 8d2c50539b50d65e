package normalizer

import (
	"errors"
	"strings"
	"testing"

	"securequery/internal/domain"
)

func TestPlainText(t *testing.T) {
	content := []byte("first line\n\nsecond line\r\n   \nthird line")
	records, warnings, err := New().Normalize(content, domain.SourcePlainText, "col", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{"first line", "second line", "third line"}
	for i, r := range records {
		if r.RawText != want[i] {
			t.Errorf("record %d: RawText = %q, want %q", i, r.RawText, want[i])
		}
		if len(r.Fields) != 0 {
			t.Errorf("record %d: expected empty fields, got %v", i, r.Fields)
		}
		if r.Seq != i {
			t.Errorf("record %d: Seq = %d", i, r.Seq)
		}
		if r.Timestamp.IsZero() {
			t.Errorf("record %d: expected ingestion timestamp", i)
		}
	}
}

func TestGenericJSONShapes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"array", `[{"action":"Login"},{"action":"Logout"}]`, 2},
		{"single object", `{"action":"Login"}`, 1},
		{"logs wrapper", `{"logs":[{"action":"Login"},{"action":"Logout"},{"action":"Delete"}]}`, 3},
		{"ndjson", "{\"action\":\"Login\"}\n{\"action\":\"Logout\"}", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, warnings, err := New().Normalize([]byte(tt.content), domain.SourceGenericJSON, "col", "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if len(records) != tt.want {
				t.Fatalf("expected %d records, got %d", tt.want, len(records))
			}
		})
	}
}

func TestGenericJSONFlattensOneLevel(t *testing.T) {
	content := `{"action":"DeleteBucket","request":{"bucket":"prod-backups","region":"eu-west-1"},"count":3}`
	records, _, err := New().Normalize([]byte(content), domain.SourceGenericJSON, "col", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := records[0].Fields
	if fields["request.bucket"] != "prod-backups" {
		t.Errorf("request.bucket = %q", fields["request.bucket"])
	}
	if fields["request.region"] != "eu-west-1" {
		t.Errorf("request.region = %q", fields["request.region"])
	}
	if fields["count"] != "3" {
		t.Errorf("count = %q", fields["count"])
	}
}

func TestFaultIsolation(t *testing.T) {
	// One malformed entry inside an otherwise valid batch is skipped with a
	// warning; the batch never aborts.
	tests := []struct {
		name    string
		content string
	}{
		{"bad ndjson line", "{\"action\":\"Login\"}\nnot json at all\n{\"action\":\"Logout\"}\n{\"action\":\"Delete\"}"},
		{"non-object element", `[{"action":"Login"},42,{"action":"Logout"},{"action":"Delete"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, warnings, err := New().Normalize([]byte(tt.content), domain.SourceGenericJSON, "col", "")
			if err != nil {
				t.Fatalf("expected per-entry recovery, got error: %v", err)
			}
			if len(records) != 3 {
				t.Errorf("expected 3 records, got %d", len(records))
			}
			if len(warnings) != 1 {
				t.Errorf("expected 1 warning, got %v", warnings)
			}
		})
	}
}

func TestWholeInputMalformed(t *testing.T) {
	for _, content := range []string{"this is not json", "", "   \n  "} {
		_, _, err := New().Normalize([]byte(content), domain.SourceGenericJSON, "col", "")
		var parseErr *domain.ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("content %q: expected ParseError, got %v", content, err)
		}
	}
}

func TestCloudAuditExtraction(t *testing.T) {
	content := `{"Records":[{
		"eventName":"DeleteBucket",
		"eventTime":"2024-03-01T12:30:00Z",
		"userIdentity":{"userName":"alice","type":"IAMUser"},
		"sourceIPAddress":"10.0.0.5",
		"requestParameters":{"bucketName":"prod-backups"},
		"awsRegion":"eu-west-1"
	}]}`
	records, warnings, err := New().Normalize([]byte(content), domain.SourceCloudAudit, "col", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 || len(records) != 1 {
		t.Fatalf("records=%d warnings=%v", len(records), warnings)
	}
	r := records[0]
	wantFields := map[string]string{
		domain.FieldAction:   "DeleteBucket",
		domain.FieldActor:    "alice",
		domain.FieldSourceIP: "10.0.0.5",
		domain.FieldResource: "s3://prod-backups",
		domain.FieldOutcome:  "Success",
		"awsRegion":          "eu-west-1", // unknown keys retained as-is
	}
	for k, want := range wantFields {
		if got := r.Fields[k]; got != want {
			t.Errorf("Fields[%q] = %q, want %q", k, got, want)
		}
	}
	if r.Timestamp.UTC().Format("2006-01-02T15:04:05Z") != "2024-03-01T12:30:00Z" {
		t.Errorf("Timestamp = %v", r.Timestamp)
	}
	if text := r.SearchText(); !strings.Contains(text, "Event: DeleteBucket") || !strings.Contains(text, "User: alice") {
		t.Errorf("SearchText = %q", text)
	}
}

func TestCloudAuditOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		outcome string
		actor   string
	}{
		{"error code means failure", `{"eventName":"PutObject","errorCode":"AccessDenied"}`, "Failure", "Unknown"},
		{"console login result", `{"eventName":"ConsoleLogin","userIdentity":{"type":"Root"},"responseElements":{"ConsoleLogin":"Failure"}}`, "Failure", "Root user"},
		{"default success", `{"eventName":"ListBuckets","userIdentity":{"userName":"bob"}}`, "Success", "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, _, err := New().Normalize([]byte(tt.entry), domain.SourceCloudAudit, "col", "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := records[0].Fields[domain.FieldOutcome]; got != tt.outcome {
				t.Errorf("outcome = %q, want %q", got, tt.outcome)
			}
			if got := records[0].Fields[domain.FieldActor]; got != tt.actor {
				t.Errorf("actor = %q, want %q", got, tt.actor)
			}
		})
	}
}

func TestRecordIDDeterminism(t *testing.T) {
	content := []byte(`[{"action":"Login"},{"action":"Logout"}]`)
	n := New()
	first, _, err := n.Normalize(content, domain.SourceGenericJSON, "col", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := n.Normalize(content, domain.SourceGenericJSON, "col", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("record %d: IDs differ across identical ingests: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
	if first[0].ID == first[1].ID {
		t.Error("records at different positions share an ID")
	}

	otherCollection, _, _ := n.Normalize(content, domain.SourceGenericJSON, "other", "")
	if otherCollection[0].ID == first[0].ID {
		t.Error("IDs should differ across collections")
	}
	withNonce, _, _ := n.Normalize(content, domain.SourceGenericJSON, "col", "run-1")
	if withNonce[0].ID == first[0].ID {
		t.Error("IDs should differ when a nonce is mixed in")
	}
}
