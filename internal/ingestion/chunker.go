// Package ingestion turns uploaded documents into embedded chunks in the
// vector store.
package ingestion

import (
	"strings"
)

// Chunk is one unit of document text headed for the vector store.
// Structured units (tables) carry their serialized form alongside the text.
type Chunk struct {
	ChunkType      string `json:"chunk_type"`
	Text           string `json:"text"`
	StructuredData string `json:"structured_data,omitempty"`
	PageNumber     *int   `json:"page_number,omitempty"`
	TableIndex     *int   `json:"table_index,omitempty"`
}

// Chunker splits oversized text units while preserving small and structured
// units intact.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	maxUnit      int
}

// NewChunker creates a chunker. Units up to maxUnit pass through unchanged;
// larger ones are split into chunkSize pieces with chunkOverlap carry-over.
func NewChunker(chunkSize, chunkOverlap, maxUnit int) *Chunker {
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		maxUnit:      maxUnit,
	}
}

// Split applies the pass-through-or-split policy to every unit.
// Structured units are never split: losing table cell alignment destroys
// the data the chunk exists to carry.
func (c *Chunker) Split(units []Chunk) []Chunk {
	out := make([]Chunk, 0, len(units))
	for _, unit := range units {
		if unit.StructuredData != "" || len(unit.Text) <= c.maxUnit {
			out = append(out, unit)
			continue
		}
		for _, piece := range c.splitText(unit.Text) {
			split := unit
			split.Text = piece
			out = append(out, split)
		}
	}
	return out
}

// separators in preference order, coarsest first.
var separators = []string{"\n\n", "\n", " ", ""}

// splitText recursively splits text at the coarsest separator that keeps
// pieces under the chunk size, then merges adjacent pieces back together
// with overlap.
func (c *Chunker) splitText(text string) []string {
	pieces := c.recursiveSplit(text, 0)
	return c.mergeWithOverlap(pieces)
}

func (c *Chunker) recursiveSplit(text string, sepIdx int) []string {
	if len(text) <= c.chunkSize {
		return []string{text}
	}
	if sepIdx >= len(separators) {
		return hardSplit(text, c.chunkSize)
	}

	sep := separators[sepIdx]
	if sep == "" {
		return hardSplit(text, c.chunkSize)
	}

	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return c.recursiveSplit(text, sepIdx+1)
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if len(part) <= c.chunkSize {
			out = append(out, part)
		} else {
			out = append(out, c.recursiveSplit(part, sepIdx+1)...)
		}
	}
	return out
}

// mergeWithOverlap packs pieces into chunks near the size limit, carrying
// a tail of the previous chunk into the next for context continuity.
func (c *Chunker) mergeWithOverlap(pieces []string) []string {
	chunks := []string{}
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+1+len(piece) > c.chunkSize {
			tail := overlapTail(current.String(), c.chunkOverlap)
			flush()
			if tail != "" {
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(piece)
	}
	flush()

	return chunks
}

// overlapTail returns the last n characters, aligned to a word boundary.
func overlapTail(s string, n int) string {
	if n <= 0 || len(s) == 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

func hardSplit(text string, size int) []string {
	out := []string{}
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
