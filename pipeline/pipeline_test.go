//go:build cgo

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/blob"
	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/records"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

// --- fakes ---

type fakeAuth struct{}

func (fakeAuth) Validate(_ context.Context, token string) error {
	if token == "bad" {
		return fmt.Errorf("%w: token rejected", harvest.ErrAuthDenied)
	}
	return nil
}

// fakeLLM answers via a handler so each test shapes its own output.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []llm.Request
	handler func(req llm.Request) string
	frags   []string
}

func (f *fakeLLM) record(req llm.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastCall() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeLLM) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.record(req)
	return &llm.Response{Content: f.handler(req)}, nil
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request, out chan<- string) error {
	defer close(out)
	f.record(req)
	for _, frag := range f.frags {
		out <- frag
	}
	return nil
}

// fakeEmbedder produces deterministic 4-dim vectors.
type fakeEmbedder struct{}

func (fakeEmbedder) vector(text string) []float32 {
	var sum float32
	for _, r := range text {
		sum += float32(r % 13)
	}
	return []float32{sum + 1, float32(len(text)%7) + 1, 1, 1}
}

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f fakeEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

// fakeRecords serves in-memory tables.
type fakeRecords struct {
	tables map[string][]records.Row
}

func (f *fakeRecords) Load(_ context.Context, table string) ([]records.Row, error) {
	return f.tables[table], nil
}

func (f *fakeRecords) Count(_ context.Context, table string) (int, error) {
	return len(f.tables[table]), nil
}

func defaultRecords() *fakeRecords {
	return &fakeRecords{tables: map[string][]records.Row{
		"clusters": {{"id": "c1", "name": "Accelerated Breeding"}},
		"deliverables": {
			{"deliverable_title": "Dataset release", "indicator": "Policy Change",
				"year": "2024", "cluster_id": "c1", "cluster_role": "Leading", "doi": "10.1/abc"},
		},
		"contributions": {
			{"contribution_title": "Progress note", "indicator": "Policy Change",
				"year": "2024", "phase_type": "Progress"},
			{"contribution_title": "Plan note", "indicator": "Policy Change",
				"year": "2024", "phase_type": "AWPB"},
		},
	}}
}

type fakeTracker struct {
	mu   sync.Mutex
	reqs []tracker.TrackRequest
	next int64
}

func (f *fakeTracker) Track(_ context.Context, req tracker.TrackRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.next++
	return f.next, nil
}

func newTestDeps(t *testing.T, fl *fakeLLM) *Deps {
	t.Helper()
	store, err := vectorstore.New(filepath.Join(t.TempDir(), "vectors.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := harvest.DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.RequestTimeoutSeconds = 60

	return &Deps{
		Config:   cfg,
		Store:    store,
		Blobs:    blob.NewMemory(),
		LLM:      fl,
		Embedder: fakeEmbedder{},
		Records:  defaultRecords(),
		Tracker:  &fakeTracker{},
		Auth:     fakeAuth{},
	}
}

// --- scheduler ---

func TestSchedulerIngest(t *testing.T) {
	d := newTestDeps(t, &fakeLLM{})
	ctx := context.Background()

	s := NewScheduler(d.Store, d.Records, d.Embedder)
	n, err := s.Ingest(ctx, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 3 {
		t.Fatalf("ingested %d chunks, want 3", n)
	}

	ready, err := d.Store.ReferenceReady(ctx)
	if err != nil || !ready {
		t.Fatalf("reference not ready after ingest: %v", err)
	}
}

func TestSchedulerRefreshReplaces(t *testing.T) {
	d := newTestDeps(t, &fakeLLM{})
	ctx := context.Background()

	s := NewScheduler(d.Store, d.Records, d.Embedder)
	if _, err := s.Ingest(ctx, false); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// A refresh replaces instead of appending.
	if _, err := s.Ingest(ctx, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	stats, err := d.Store.DBStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReferenceChunks != 3 {
		t.Fatalf("refresh duplicated corpus: %+v", stats)
	}
}

func TestEnsureReferenceIdempotent(t *testing.T) {
	d := newTestDeps(t, &fakeLLM{})
	ctx := context.Background()

	s := NewScheduler(d.Store, d.Records, d.Embedder)
	if err := s.EnsureReference(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.EnsureReference(ctx); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	stats, _ := d.Store.DBStats(ctx)
	if stats.ReferenceChunks != 3 {
		t.Fatalf("ensure re-ingested a ready corpus: %+v", stats)
	}
}

// --- chat filter normalization ---

func TestSplitPhase(t *testing.T) {
	cases := []struct {
		phase     string
		year      string
		phaseType string
	}{
		{"2024 Progress", "2024", "Progress"},
		{"AWPB 2025", "2025", "AWPB"},
		{"2023 AR", "2023", "AR"},
		{"20a4 Progress", "", "Progress"},
		{"02024 AR", "", "AR"},
		{"All phases", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		year, pt := splitPhase(tc.phase)
		if year != tc.year || pt != tc.phaseType {
			t.Errorf("splitPhase(%q) = (%q, %q), want (%q, %q)",
				tc.phase, year, pt, tc.year, tc.phaseType)
		}
	}
}

func TestNormalizeChatFilters(t *testing.T) {
	filters, phaseType := normalizeChatFilters(ChatFilters{
		Phase:     "2024 Progress",
		Indicator: "Policy Change",
		Section:   "Contributions",
	})
	if phaseType != "Progress" {
		t.Errorf("phase type: got %q", phaseType)
	}
	if got := filters["year"]; len(got) != 1 || got[0] != "2024" {
		t.Errorf("year filter: %v", got)
	}
	if got := filters["source_table"]; len(got) != 2 {
		t.Errorf("section tables: %v", got)
	}

	// "All" values drop their filters.
	filters, _ = normalizeChatFilters(ChatFilters{
		Phase:     "All phases",
		Indicator: "All indicators",
		Section:   "All",
	})
	if len(filters) != 0 {
		t.Errorf("all-values must yield no filters: %v", filters)
	}
}

func TestFilterContributionPhase(t *testing.T) {
	mk := func(tableType, phaseType string) vectorstore.Result {
		return vectorstore.Result{Chunk: vectorstore.Chunk{
			Attributes: map[string]string{"table_type": tableType, "phase_type": phaseType},
		}}
	}
	in := []vectorstore.Result{
		mk("contributions", "Progress"),
		mk("contributions", "AWPB"),
		mk("questions", "AWPB"),
		mk("deliverables", ""),
	}
	out := filterContributionPhase(in, "Progress")
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(out), out)
	}

	regex := regexp.MustCompile(`^(contributions|deliverables)$`)
	for _, r := range out {
		if !regex.MatchString(r.Attr("table_type")) {
			t.Errorf("unexpected survivor: %+v", r.Attributes)
		}
	}
}

func TestEphemeralName(t *testing.T) {
	a := ephemeralName("uploads/My Report (final).xlsx")
	b := ephemeralName("uploads/My Report (final).xlsx")
	if a == b {
		t.Fatal("ephemeral names must be unique per request")
	}
	if matched, _ := regexp.MatchString(`^My_Report_final_xlsx_\d+$`, a); !matched {
		t.Fatalf("unexpected name: %q", a)
	}
}
