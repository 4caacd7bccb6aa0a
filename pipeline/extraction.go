package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fieldlabs/harvest/artifact"
	"github.com/fieldlabs/harvest/chunker"
	"github.com/fieldlabs/harvest/decoder"
	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/mapping"
	"github.com/fieldlabs/harvest/prompt"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

// ExtractionRequest is one document extraction call.
type ExtractionRequest struct {
	Token      string `json:"token"`
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	Indicator  string `json:"indicator,omitempty"`
	BulkUpload bool   `json:"bulk_upload,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// ExtractionResponse is the extraction artifact with request metadata.
type ExtractionResponse struct {
	Results       []*artifact.Result `json:"results"`
	TimeTaken     float64            `json:"time_taken"`
	InteractionID int64              `json:"interaction_id,omitempty"`
}

// referenceContextLimit bounds the reference rows cached into a prompt.
const referenceContextLimit = 200

// Extraction runs one document through decode, index, retrieve,
// generate, validate, and enrich.
func (d *Deps) Extraction(ctx context.Context, req ExtractionRequest) (*ExtractionResponse, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	p := newProgress("extraction")

	if err := d.Auth.Validate(ctx, req.Token); err != nil {
		return nil, p.fail(err)
	}
	p.advance(StateAuthenticated)

	// Bootstrap the reference corpus on first use.
	scheduler := NewScheduler(d.Store, d.Records, d.Embedder)
	if err := scheduler.EnsureReference(ctx); err != nil {
		return nil, p.fail(asTimeout(err))
	}

	data, err := d.Blobs.Get(ctx, req.Bucket, req.Key)
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}
	doc, err := decoder.Decode(data, keyExtension(req.Key))
	if err != nil {
		return nil, p.fail(err)
	}
	p.advance(StateDecoded)

	split := chunker.New(chunker.Config{
		ChunkSize: d.Config.ChunkSize,
		Overlap:   d.Config.ChunkOverlap,
	})
	chunks := split.Chunk(doc)
	if len(chunks) == 0 {
		// Empty documents succeed with no results.
		p.advance(StateReturned)
		return &ExtractionResponse{Results: []*artifact.Result{}, TimeTaken: p.elapsed()}, nil
	}

	refContext, err := d.referenceContext(ctx, req.Indicator)
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}

	var results []*artifact.Result
	if doc.Kind == decoder.KindTabular && req.BulkUpload {
		results, err = d.extractBatches(ctx, p, req.Indicator, chunks, refContext)
	} else {
		results, err = d.extractDocument(ctx, p, req, chunks, refContext)
	}
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}

	// Per-result validation: invalid results are flagged, never dropped.
	for _, r := range results {
		if err := artifact.Validate(r); err != nil {
			slog.Warn("extraction: result failed validation", "error", err)
			r.ParsingError = true
		}
	}
	p.advance(StateValidated)

	if d.Mapper != nil {
		for _, r := range results {
			mapping.EnrichResult(ctx, d.Mapper, r)
		}
	}
	p.advance(StateEnriched)

	interactionID := d.track(ctx, tracker.TrackRequest{
		UserID:      orAnonymous(req.UserID),
		ServiceName: "extraction",
		UserInput:   req.Key,
		AIOutput:    fmt.Sprintf("%d results", len(results)),
		Context: map[string]interface{}{
			"bucket":    req.Bucket,
			"key":       req.Key,
			"indicator": req.Indicator,
		},
		ResponseTimeSeconds: floatp(p.elapsed()),
	})

	p.advance(StateReturned)
	return &ExtractionResponse{
		Results:       results,
		TimeTaken:     p.elapsed(),
		InteractionID: interactionID,
	}, nil
}

// referenceContext renders the cached reference rows for prompts,
// narrowed by indicator when one is requested.
func (d *Deps) referenceContext(ctx context.Context, indicator string) (string, error) {
	filters := map[string][]string{}
	if indicator != "" {
		filters["indicator"] = []string{indicator}
	}
	refs, err := d.Store.ReferenceContents(ctx, filters, referenceContextLimit)
	if err != nil {
		return "", err
	}
	return prompt.BuildContext(refs), nil
}

// extractBatches fans tabular rows out to a bounded worker pool in
// batches and merges the partial results in batch-number order.
func (d *Deps) extractBatches(ctx context.Context, p *progress, indicator string, rows []string, refContext string) ([]*artifact.Result, error) {
	batchSize := d.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	workers := d.Config.Workers
	if workers <= 0 {
		workers = 20
	}

	type partial struct {
		batch   int
		results []*artifact.Result
	}

	var batches [][]string
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}

	partials := make([]partial, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, batch := range batches {
		g.Go(func() error {
			system, user := prompt.BatchExtraction(indicator, batch, refContext)
			resp, err := d.LLM.Invoke(gctx, llm.Request{
				System:   system,
				Prompt:   user,
				JSONMode: true,
			})
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}

			results, err := artifact.ParseBatch(resp.Content)
			if err != nil {
				// An unparseable batch degrades to one flagged result,
				// never loses the batch silently.
				slog.Warn("extraction: batch output unparseable", "batch", i, "error", err)
				results = []*artifact.Result{{ParsingError: true}}
			}
			for _, r := range results {
				r.BatchNumber = i
			}
			partials[i] = partial{batch: i, results: results}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.advance(StateGenerated)

	sort.Slice(partials, func(a, b int) bool { return partials[a].batch < partials[b].batch })
	var merged []*artifact.Result
	for _, part := range partials {
		merged = append(merged, part.results...)
	}
	return merged, nil
}

// extractDocument indexes the document ephemerally, retrieves the
// relevant chunks, and runs a single generation.
func (d *Deps) extractDocument(ctx context.Context, p *progress, req ExtractionRequest, chunks []string, refContext string) ([]*artifact.Result, error) {
	docName := ephemeralName(req.Key)

	vectors, err := d.Embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, err
	}

	stored := make([]vectorstore.Chunk, len(chunks))
	for i, c := range chunks {
		stored[i] = vectorstore.Chunk{Content: c}
	}
	if _, err := d.Store.PutEphemeral(ctx, docName, stored, vectors); err != nil {
		return nil, err
	}
	p.advance(StateIndexed)

	// The namespace is released on every path out of this request.
	defer func() {
		if err := d.Store.DeleteEphemeral(context.WithoutCancel(ctx), docName); err != nil {
			slog.Error("extraction: ephemeral cleanup failed", "document", docName, "error", err)
		}
	}()

	queryText := req.Indicator
	if queryText == "" {
		queryText = chunks[0]
	}
	queryVec, err := d.Embedder.EmbedOne(ctx, queryText)
	if err != nil {
		return nil, err
	}

	retrieved, err := d.Store.Retrieve(ctx, vectorstore.Query{
		Vector:       queryVec,
		Corpus:       vectorstore.CorpusEphemeral,
		DocumentName: docName,
	})
	if err != nil {
		return nil, err
	}
	p.advance(StateRetrieved)

	// Zero hits still generate: the reference corpus alone carries the
	// prompt.
	document := prompt.BuildContext(retrieved)
	if document == "" {
		document = strings.Join(chunks, "\n\n")
	}

	system, user := prompt.Extraction(req.Indicator, document, refContext)
	resp, err := d.LLM.Invoke(ctx, llm.Request{
		System:   system,
		Prompt:   user,
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}
	p.advance(StateGenerated)

	results, err := artifact.ParseBatch(resp.Content)
	if err != nil {
		slog.Warn("extraction: output unparseable", "error", err)
		return []*artifact.Result{{ParsingError: true}}, nil
	}
	return results, nil
}

func orAnonymous(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}

func floatp(v float64) *float64 { return &v }
