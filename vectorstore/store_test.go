//go:build cgo

package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	harvest "github.com/fieldlabs/harvest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func vec(a, b, c, d float32) []float32 { return []float32{a, b, c, d} }

func refChunk(content string, attrs map[string]string) Chunk {
	return Chunk{Content: content, Attributes: attrs}
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestPutReferenceAndKNN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		refChunk("wheat yields", map[string]string{"indicator": "Innovation Development", "year": "2024"}),
		refChunk("rice policy", map[string]string{"indicator": "Policy Change", "year": "2024"}),
	}
	vectors := [][]float32{vec(1, 0, 0, 0), vec(0, 1, 0, 0)}

	n, err := s.PutReference(ctx, chunks, vectors)
	if err != nil {
		t.Fatalf("put reference: %v", err)
	}
	if n != 2 {
		t.Fatalf("stored %d chunks, want 2", n)
	}

	results, err := s.KNN(ctx, KNNQuery{Vector: vec(1, 0, 0, 0), K: 1, Corpus: CorpusReference})
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Content != "wheat yields" {
		t.Errorf("nearest chunk: got %q", results[0].Content)
	}
	if results[0].Attr("indicator") != "Innovation Development" {
		t.Errorf("attributes lost: %v", results[0].Attributes)
	}
}

func TestKNNFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		refChunk("a", map[string]string{"indicator": "Policy Change", "year": "2023"}),
		refChunk("b", map[string]string{"indicator": "Policy Change", "year": "2024"}),
		refChunk("c", map[string]string{"indicator": "Innovation Development", "year": "2024"}),
	}
	vectors := [][]float32{vec(1, 0, 0, 0), vec(0.9, 0.1, 0, 0), vec(0.8, 0.2, 0, 0)}
	if _, err := s.PutReference(ctx, chunks, vectors); err != nil {
		t.Fatalf("put reference: %v", err)
	}

	results, err := s.KNN(ctx, KNNQuery{
		Vector:  vec(1, 0, 0, 0),
		K:       10,
		Filters: map[string][]string{"indicator": {"Policy Change"}, "year": {"2024"}},
	})
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	if len(results) != 1 || results[0].Content != "b" {
		t.Fatalf("filtered knn: got %+v, want just b", results)
	}
}

func TestKNNRejectsUnknownFilter(t *testing.T) {
	s := newTestStore(t)
	_, err := s.KNN(context.Background(), KNNQuery{
		Vector:  vec(1, 0, 0, 0),
		K:       5,
		Filters: map[string][]string{"colour": {"red"}},
	})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestKNNDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.KNN(context.Background(), KNNQuery{Vector: []float32{1, 0}, K: 5})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEphemeralIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutReference(ctx,
		[]Chunk{refChunk("ref", nil)},
		[][]float32{vec(1, 0, 0, 0)}); err != nil {
		t.Fatalf("put reference: %v", err)
	}
	if _, err := s.PutEphemeral(ctx, "report.xlsx",
		[]Chunk{{Content: "eph"}},
		[][]float32{vec(1, 0, 0, 0)}); err != nil {
		t.Fatalf("put ephemeral: %v", err)
	}

	refHits, err := s.KNN(ctx, KNNQuery{Vector: vec(1, 0, 0, 0), K: 10, Corpus: CorpusReference})
	if err != nil {
		t.Fatalf("knn reference: %v", err)
	}
	if len(refHits) != 1 || refHits[0].Content != "ref" {
		t.Fatalf("reference search leaked ephemeral chunks: %+v", refHits)
	}

	ephHits, err := s.KNN(ctx, KNNQuery{
		Vector: vec(1, 0, 0, 0), K: 10,
		Corpus: CorpusEphemeral, DocumentName: "report.xlsx",
	})
	if err != nil {
		t.Fatalf("knn ephemeral: %v", err)
	}
	if len(ephHits) != 1 || ephHits[0].Content != "eph" {
		t.Fatalf("ephemeral search wrong: %+v", ephHits)
	}
}

func TestDeleteEphemeral(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutEphemeral(ctx, "doc.xlsx",
		[]Chunk{{Content: "x"}}, [][]float32{vec(1, 0, 0, 0)}); err != nil {
		t.Fatalf("put ephemeral: %v", err)
	}
	if err := s.DeleteEphemeral(ctx, "doc.xlsx"); err != nil {
		t.Fatalf("delete ephemeral: %v", err)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EphemeralChunks != 0 || stats.Embeddings != 0 {
		t.Fatalf("ephemeral data survived delete: %+v", stats)
	}

	// Deleting an unknown name is a no-op.
	if err := s.DeleteEphemeral(ctx, "never-loaded.xlsx"); err != nil {
		t.Fatalf("delete unknown name: %v", err)
	}
}

func TestSwapReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutReference(ctx,
		[]Chunk{refChunk("old a", nil), refChunk("old b", nil)},
		[][]float32{vec(1, 0, 0, 0), vec(0, 1, 0, 0)}); err != nil {
		t.Fatalf("put reference: %v", err)
	}

	n, err := s.SwapReference(ctx,
		[]Chunk{refChunk("new", nil)},
		[][]float32{vec(0, 0, 1, 0)})
	if err != nil {
		t.Fatalf("swap reference: %v", err)
	}
	if n != 1 {
		t.Fatalf("swap stored %d chunks, want 1", n)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReferenceChunks != 1 || stats.Embeddings != 1 {
		t.Fatalf("old corpus survived swap: %+v", stats)
	}

	results, err := s.KNN(ctx, KNNQuery{Vector: vec(0, 0, 1, 0), K: 10})
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	if len(results) != 1 || results[0].Content != "new" {
		t.Fatalf("expected only the new corpus, got %+v", results)
	}
}

func TestEmptyVectorSkipsIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		refChunk("indexed", map[string]string{"doi": "10.1/x"}),
		refChunk("not indexed", map[string]string{"doi": "10.1/y"}),
	}
	vectors := [][]float32{vec(1, 0, 0, 0), {}}

	n, err := s.PutReference(ctx, chunks, vectors)
	if err != nil {
		t.Fatalf("put reference: %v", err)
	}
	if n != 2 {
		t.Fatalf("stored %d chunks, want 2", n)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReferenceChunks != 2 || stats.Embeddings != 1 {
		t.Fatalf("expected 2 chunks, 1 embedding: %+v", stats)
	}

	// The unindexed chunk is still reachable structurally.
	results, err := s.Structural(ctx, StructuralQuery{
		Filters: map[string][]string{"doi": {"10.1/y"}},
	})
	if err != nil {
		t.Fatalf("structural: %v", err)
	}
	if len(results) != 1 || results[0].Content != "not indexed" {
		t.Fatalf("structural search missed unindexed chunk: %+v", results)
	}
}

func TestVectorChunkMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutReference(context.Background(),
		[]Chunk{{Content: "a"}, {Content: "b"}},
		[][]float32{vec(1, 0, 0, 0)})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEphemeralRequiresName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutEphemeral(context.Background(), "",
		[]Chunk{{Content: "a"}}, [][]float32{vec(1, 0, 0, 0)})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	s.Close()

	if _, err := s.KNN(context.Background(), KNNQuery{Vector: vec(1, 0, 0, 0), K: 1}); !errors.Is(err, harvest.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.PutReference(context.Background(), nil, nil); !errors.Is(err, harvest.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestReferenceReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ready, err := s.ReferenceReady(ctx)
	if err != nil {
		t.Fatalf("reference ready: %v", err)
	}
	if ready {
		t.Fatal("empty store reported ready")
	}

	if _, err := s.PutReference(ctx,
		[]Chunk{refChunk("r", nil)}, [][]float32{vec(1, 0, 0, 0)}); err != nil {
		t.Fatalf("put reference: %v", err)
	}

	ready, err = s.ReferenceReady(ctx)
	if err != nil {
		t.Fatalf("reference ready: %v", err)
	}
	if !ready {
		t.Fatal("populated store reported not ready")
	}
}
