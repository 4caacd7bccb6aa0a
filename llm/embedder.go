package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	harvest "github.com/fieldlabs/harvest"
)

// maxEmbedChars bounds a single text sent to the embedding model. Most
// embedding models have an 8192-token window; ~24000 chars leaves headroom
// for varied tokenisers.
const maxEmbedChars = 24000

// embedBatchSize is the number of texts sent per embedding request.
const embedBatchSize = 32

// Embedder wraps an EmbeddingProvider with the pipeline guarantees:
// order-preserving, one-to-one, and per-item failures substituted with an
// empty vector instead of failing the batch. Stores skip empty vectors.
type Embedder struct {
	provider EmbeddingProvider
}

// NewEmbedder wraps the given provider.
func NewEmbedder(p EmbeddingProvider) *Embedder {
	return &Embedder{provider: p}
}

// Dimension returns the provider's declared vector dimension.
func (e *Embedder) Dimension() int {
	return e.provider.Dimension()
}

// Embed maps texts to vectors. A failing batch falls back to per-text
// embedding so one oversized text does not lose the whole batch; texts that
// still fail yield an empty vector. The call errors only when every text
// failed.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	failed := 0

	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := make([]string, end-start)
		for i := start; i < end; i++ {
			batch[i-start] = truncateForEmbed(texts[i])
		}

		got, err := e.provider.Embed(ctx, batch)
		if err == nil && len(got) == len(batch) {
			copy(vectors[start:end], got)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		slog.Warn("embedding batch failed, falling back to individual",
			"batch_start", start, "batch_end", end, "error", err)
		for i, text := range batch {
			single, serr := e.provider.Embed(ctx, []string{text})
			if serr != nil || len(single) == 0 || len(single[0]) == 0 {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				slog.Warn("embedding single text failed", "index", start+i, "error", serr)
				vectors[start+i] = []float32{}
				failed++
				continue
			}
			vectors[start+i] = single[0]
		}
	}

	if failed == len(texts) {
		return nil, fmt.Errorf("%w: all %d texts failed", harvest.ErrEmbeddingFailed, len(texts))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(texts))
	}
	return vectors, nil
}

// EmbedOne embeds a single query text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}
