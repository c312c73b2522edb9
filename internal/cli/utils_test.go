package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/kaiwa/internal/models"
)

func sampleResults() []*models.SearchResult {
	return []*models.SearchResult{
		{
			Rank:    1,
			Score:   0.92,
			Content: "The sky is blue today.",
			Document: models.DocumentRef{
				ID:             "doc-1",
				Filename:       "sky.txt",
				ConversationID: "conv-a",
			},
			ChunkIndex: 0,
		},
		{
			Rank:       2,
			Score:      0.41,
			Content:    "Pre-migration chunk with no conversation binding.",
			Document:   models.DocumentRef{ID: "doc-legacy"},
			ChunkIndex: 3,
			Orphan:     true,
		},
	}
}

func TestWriteSearchResultsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "conv-a", sampleResults(), OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded struct {
		ConversationID string                 `json:"conversation_id"`
		Results        []*models.SearchResult `json:"results"`
		Count          int                    `json:"count"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.ConversationID != "conv-a" || decoded.Count != 2 {
		t.Errorf("decoded conversation_id=%q count=%d", decoded.ConversationID, decoded.Count)
	}
	if decoded.Results[0].Document.ID != "doc-1" {
		t.Errorf("first result document = %q", decoded.Results[0].Document.ID)
	}
	if !decoded.Results[1].Orphan {
		t.Error("orphan flag lost in JSON round trip")
	}
}

func TestWriteSearchResultsText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, "conv-a", sampleResults(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Found 2 results in conversation conv-a") {
		t.Errorf("missing header: %s", out)
	}
	if !strings.Contains(out, "[exact]") || !strings.Contains(out, "[legacy]") {
		t.Errorf("result sources not labeled: %s", out)
	}
	if !strings.Contains(out, "sky.txt") {
		t.Errorf("filename missing: %s", out)
	}
}

func TestWriteReports(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMigrateReport(&buf, &models.MigrateReport{Backfilled: 3, StillOrphan: 1}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Backfilled 3") {
		t.Errorf("migrate text output: %s", buf.String())
	}

	buf.Reset()
	if err := WriteCleanupReport(&buf, &models.CleanupReport{DryRun: true, Candidates: 7}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Dry run: 7") {
		t.Errorf("cleanup dry-run output: %s", buf.String())
	}

	buf.Reset()
	if err := WriteCleanupReport(&buf, &models.CleanupReport{Candidates: 7, Deleted: 7}, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var report models.CleanupReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("cleanup JSON output invalid: %v", err)
	}
	if report.Deleted != 7 {
		t.Errorf("Deleted = %d", report.Deleted)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
	if got := TruncateWords("one two three four", 2); got != "one two..." {
		t.Errorf("TruncateWords = %q", got)
	}
}
