// Package ingest turns uploaded documents into conversation-bound, embedded chunks.
package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Chunker splits text into chunks of roughly chunkSize runes with overlap,
// preferring to break at sentence boundaries. Only a sentence longer than the
// size plus tolerance is split mid-sentence.
type Chunker struct {
	size    int
	overlap int
}

var sentenceEnd = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)

// NewChunker creates a chunker with the given size and overlap, in runes.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunk texts for text, in document order. Empty or
// whitespace-only text yields nil.
func (c *Chunker) Split(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	tolerance := c.size / 5
	var chunks []string
	var cur []string
	curLen := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, " "))
		}
	}
	carryOverlap := func() {
		cur, curLen = tailWithin(cur, c.overlap)
	}

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if n > c.size+tolerance {
			// Oversized sentence: no boundary to prefer, hard-split by runes.
			flush()
			cur, curLen = nil, 0
			chunks = append(chunks, c.hardSplit(s)...)
			continue
		}
		if curLen > 0 && curLen+1+n > c.size {
			flush()
			carryOverlap()
		}
		if curLen > 0 {
			curLen++ // joining space
		}
		cur = append(cur, s)
		curLen += n
	}
	flush()
	return chunks
}

// hardSplit cuts s into windows of size runes stepping size-overlap.
func (c *Chunker) hardSplit(s string) []string {
	runes := []rune(s)
	step := c.size - c.overlap
	if step <= 0 {
		step = 1
	}
	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + c.size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[i:end])))
		if end == len(runes) {
			break
		}
	}
	return out
}

// tailWithin returns the trailing sentences of cur whose combined length stays
// within budget runes, with their combined length.
func tailWithin(cur []string, budget int) ([]string, int) {
	var tail []string
	total := 0
	for i := len(cur) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(cur[i])
		extra := n
		if total > 0 {
			extra++
		}
		if total+extra > budget {
			break
		}
		total += extra
		tail = append([]string{cur[i]}, tail...)
	}
	return tail, total
}

func splitSentences(text string) []string {
	raw := sentenceEnd.FindAllString(text, -1)
	out := raw[:0]
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
