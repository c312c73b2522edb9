// Package cli provides CLI output utilities for Kaiwa.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kaiwa/internal/models"
)

// OutputFormat is the format for CLI output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteSearchResults writes retrieval results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, conversationID string, results []*models.SearchResult, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"conversation_id": conversationID,
			"results":         results,
			"count":           len(results),
		})
	default:
		writeSearchResultsText(w, conversationID, results)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, conversationID string, results []*models.SearchResult) {
	fmt.Fprintf(w, "\nFound %d results in conversation %s\n\n", len(results), conversationID)
	for _, result := range results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		source := "exact"
		if result.Orphan {
			source = "legacy"
		}
		fmt.Fprintf(w, "[%s] Rank: %d | Score: %.4f\n", source, result.Rank, result.Score)
		fmt.Fprintf(w, "Document: %s", result.Document.ID)
		if result.Document.Filename != "" {
			fmt.Fprintf(w, " (%s)", result.Document.Filename)
		}
		fmt.Fprintf(w, " | Chunk: %d\n", result.ChunkIndex)
		fmt.Fprintf(w, "\n%s\n", Truncate(result.Content, 200))
		fmt.Fprintln(w)
	}
}

// WriteMigrateReport writes an orphan migration report.
func WriteMigrateReport(w io.Writer, report *models.MigrateReport, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(w, "Backfilled %d orphan chunks, %d still orphaned\n", report.Backfilled, report.StillOrphan)
	return nil
}

// WriteCleanupReport writes an orphan cleanup report.
func WriteCleanupReport(w io.Writer, report *models.CleanupReport, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if report.DryRun {
		fmt.Fprintf(w, "Dry run: %d orphan chunks would be deleted\n", report.Candidates)
		return nil
	}
	fmt.Fprintf(w, "Deleted %d of %d expired orphan chunks\n", report.Deleted, report.Candidates)
	return nil
}

// Truncate truncates s to maxLen bytes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
