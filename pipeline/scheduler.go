package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldlabs/harvest/records"
	"github.com/fieldlabs/harvest/vectorstore"
)

// Scheduler rebuilds the reference corpus from the record source.
type Scheduler struct {
	store    *vectorstore.Store
	records  records.Source
	embedder Embedder
}

// Embedder is the embedding dependency of the scheduler and pipelines.
// Satisfied by *llm.Embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// NewScheduler builds an ingestion scheduler.
func NewScheduler(store *vectorstore.Store, src records.Source, embedder Embedder) *Scheduler {
	return &Scheduler{store: store, records: src, embedder: embedder}
}

// Ingest loads every source table, projects its rows into chunks, embeds
// them, and stores them as the reference corpus. With refresh the
// existing corpus is replaced atomically; readers see the old corpus or
// the new one, never a mixture. Without refresh, chunks are appended.
func (s *Scheduler) Ingest(ctx context.Context, refresh bool) (int, error) {
	started := time.Now()

	clusters, err := records.LoadClusters(ctx, s.records)
	if err != nil {
		return 0, fmt.Errorf("loading cluster dimension: %w", err)
	}

	var chunks []vectorstore.Chunk
	for _, table := range records.SourceTables {
		rows, err := s.records.Load(ctx, table)
		if err != nil {
			return 0, fmt.Errorf("loading %s: %w", table, err)
		}
		projected, err := records.ProjectTable(table, rows, clusters)
		if err != nil {
			return 0, err
		}
		for _, rec := range projected {
			chunks = append(chunks, vectorstore.Chunk{
				Content:    rec.Content,
				Attributes: rec.Attributes,
			})
		}
		slog.Info("scheduler: table projected", "table", table, "rows", len(projected))
	}

	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding reference chunks: %w", err)
	}

	var n int
	if refresh {
		n, err = s.store.SwapReference(ctx, chunks, vectors)
	} else {
		n, err = s.store.PutReference(ctx, chunks, vectors)
	}
	if err != nil {
		return n, fmt.Errorf("storing reference chunks: %w", err)
	}

	slog.Info("scheduler: ingestion complete",
		"chunks", n, "refresh", refresh,
		"duration", time.Since(started).Round(time.Millisecond))
	return n, nil
}

// EnsureReference ingests the reference corpus if the store is empty.
func (s *Scheduler) EnsureReference(ctx context.Context) error {
	ready, err := s.store.ReferenceReady(ctx)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}
	slog.Info("scheduler: reference corpus empty, ingesting")
	_, err = s.Ingest(ctx, false)
	return err
}
