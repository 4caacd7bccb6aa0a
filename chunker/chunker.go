// Package chunker splits normalized documents into retrievable chunks.
// Text documents go through a recursive character splitter; tabular
// documents pass through with one chunk per serialized row.
package chunker

import (
	"strings"

	"github.com/fieldlabs/harvest/decoder"
)

// Config controls the splitting behaviour.
type Config struct {
	ChunkSize int // target maximum characters per chunk
	Overlap   int // characters of trailing context repeated at the next chunk start
}

// Chunker converts normalized documents into text chunks.
type Chunker struct {
	cfg        Config
	separators []string
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the pipeline defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 8000
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 1500
	}
	return &Chunker{
		cfg:        cfg,
		separators: []string{"\n\n", "\n", ". ", " "},
	}
}

// Chunk splits a normalized document. Tabular rows are never split further;
// each row is already one semantic unit.
func (c *Chunker) Chunk(doc *decoder.Document) []string {
	if doc == nil {
		return nil
	}
	if doc.Kind == decoder.KindTabular {
		return append([]string(nil), doc.Rows...)
	}
	return c.SplitText(doc.Content)
}

// SplitText recursively splits text at the coarsest separator that keeps
// fragments within ChunkSize, then merges fragments back into chunks with
// Overlap characters of shared context between neighbours.
func (c *Chunker) SplitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.cfg.ChunkSize {
		return []string{text}
	}
	fragments := c.split(text, 0)
	return c.merge(fragments)
}

// split breaks text into fragments no longer than ChunkSize using the
// separator hierarchy. Fragments keep their trailing separator stripped.
func (c *Chunker) split(text string, sepIdx int) []string {
	if len(text) <= c.cfg.ChunkSize {
		t := strings.TrimSpace(text)
		if t == "" {
			return nil
		}
		return []string{t}
	}
	if sepIdx >= len(c.separators) {
		// No separator left: hard split.
		var out []string
		for len(text) > c.cfg.ChunkSize {
			out = append(out, text[:c.cfg.ChunkSize])
			text = text[c.cfg.ChunkSize:]
		}
		if t := strings.TrimSpace(text); t != "" {
			out = append(out, t)
		}
		return out
	}

	sep := c.separators[sepIdx]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return c.split(text, sepIdx+1)
	}

	var out []string
	for _, p := range parts {
		out = append(out, c.split(p, sepIdx+1)...)
	}
	return out
}

// merge greedily packs fragments into chunks up to ChunkSize, starting each
// new chunk with up to Overlap characters carried over from the previous one.
func (c *Chunker) merge(fragments []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() string {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		return chunk
	}

	for _, frag := range fragments {
		if current.Len() > 0 && current.Len()+len(frag)+1 > c.cfg.ChunkSize {
			prev := flush()
			if overlap := tailChars(prev, c.cfg.Overlap); overlap != "" {
				current.WriteString(overlap)
			}
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(frag)
	}
	flush()
	return chunks
}

// tailChars returns the trailing portion of text up to n characters,
// starting at a word boundary.
func tailChars(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}
