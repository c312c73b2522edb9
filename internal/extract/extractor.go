// Package extract produces ordered plain text from uploaded document bytes.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Extractor turns document bytes into plain text. It is the retrieval engine's
// "produces ordered text" collaborator; format mechanics stop here.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the text content of a document. filename selects the format
// by extension; unknown extensions are treated as plain text. Returns an error
// when the bytes cannot be parsed as the indicated format.
func (e *Extractor) Extract(content []byte, filename string) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty document")
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	case ".xlsx":
		return extractExcel(content)
	default:
		return extractPlain(content)
	}
}
