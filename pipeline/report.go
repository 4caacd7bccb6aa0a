package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/prompt"
	"github.com/fieldlabs/harvest/records"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

// ReportRequest asks for a progress report over one indicator and year.
type ReportRequest struct {
	Token      string `json:"token"`
	Indicator  string `json:"indicator"`
	Year       string `json:"year"`
	InsertData bool   `json:"insert_data,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// ReportResponse is the generated markdown report.
type ReportResponse struct {
	Report        string  `json:"report"`
	TimeTaken     float64 `json:"time_taken"`
	InteractionID int64   `json:"interaction_id,omitempty"`
}

// Report generates the full report in one call.
func (d *Deps) Report(ctx context.Context, req ReportRequest) (*ReportResponse, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	p := newProgress("report")

	retrieved, system, user, err := d.prepareReport(ctx, p, req)
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}

	resp, err := d.LLM.Invoke(ctx, llm.Request{System: system, Prompt: user})
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}
	p.advance(StateGenerated)

	report := resp.Content + missedLinks(retrieved, resp.Content)

	interactionID := d.track(ctx, tracker.TrackRequest{
		UserID:      orAnonymous(req.UserID),
		ServiceName: "report",
		UserInput:   req.Indicator + " " + req.Year,
		AIOutput:    report,
		Context: map[string]interface{}{
			"indicator": req.Indicator,
			"year":      req.Year,
		},
		ResponseTimeSeconds: floatp(p.elapsed()),
	})

	p.advance(StateReturned)
	return &ReportResponse{
		Report:        report,
		TimeTaken:     p.elapsed(),
		InteractionID: interactionID,
	}, nil
}

// ReportStream streams the report fragment by fragment, closing out when
// done. The missed-links section arrives as the final fragment.
func (d *Deps) ReportStream(ctx context.Context, req ReportRequest, out chan<- string) error {
	defer close(out)

	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	p := newProgress("report-stream")

	retrieved, system, user, err := d.prepareReport(ctx, p, req)
	if err != nil {
		return p.fail(asTimeout(err))
	}

	inner := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.LLM.Stream(ctx, llm.Request{System: system, Prompt: user}, inner)
	}()

	var text strings.Builder
	for frag := range inner {
		text.WriteString(frag)
		select {
		case out <- frag:
		case <-ctx.Done():
			<-errCh
			return p.fail(asTimeout(ctx.Err()))
		}
	}
	if err := <-errCh; err != nil {
		return p.fail(asTimeout(err))
	}
	p.advance(StateGenerated)

	if missed := missedLinks(retrieved, text.String()); missed != "" {
		select {
		case out <- missed:
		case <-ctx.Done():
			return p.fail(asTimeout(ctx.Err()))
		}
	}

	d.track(ctx, tracker.TrackRequest{
		UserID:      orAnonymous(req.UserID),
		ServiceName: "report",
		UserInput:   req.Indicator + " " + req.Year,
		AIOutput:    text.String(),
		Context: map[string]interface{}{
			"indicator": req.Indicator,
			"year":      req.Year,
			"streamed":  true,
		},
		ResponseTimeSeconds: floatp(p.elapsed()),
	})
	p.advance(StateReturned)
	return nil
}

// prepareReport runs the shared front half: auth, optional re-ingestion,
// aggregates, retrieval, prompt composition.
func (d *Deps) prepareReport(ctx context.Context, p *progress, req ReportRequest) ([]vectorstore.Result, string, string, error) {
	if err := d.Auth.Validate(ctx, req.Token); err != nil {
		return nil, "", "", err
	}
	p.advance(StateAuthenticated)

	scheduler := NewScheduler(d.Store, d.Records, d.Embedder)
	if req.InsertData {
		if _, err := scheduler.Ingest(ctx, true); err != nil {
			return nil, "", "", err
		}
	} else if err := scheduler.EnsureReference(ctx); err != nil {
		return nil, "", "", err
	}

	aggregates, err := d.reportAggregates(ctx, req.Indicator, req.Year)
	if err != nil {
		return nil, "", "", err
	}

	queryVec, err := d.Embedder.EmbedOne(ctx, req.Indicator+" "+req.Year)
	if err != nil {
		return nil, "", "", err
	}

	filters := map[string][]string{}
	if req.Indicator != "" {
		filters["indicator"] = []string{req.Indicator}
	}
	if req.Year != "" {
		filters["year"] = []string{req.Year}
	}
	retrieved, err := d.Store.Retrieve(ctx, vectorstore.Query{
		Vector:  queryVec,
		Corpus:  vectorstore.CorpusReference,
		Filters: filters,
	})
	if err != nil {
		return nil, "", "", err
	}
	p.advance(StateRetrieved)

	system, user := prompt.Report(req.Indicator, req.Year, aggregates, prompt.BuildContext(retrieved))
	return retrieved, system, user, nil
}

// participantColumns are the count columns summed into the report
// aggregates.
var participantColumns = []string{
	"total_participants", "male_participants", "female_participants", "non_binary_participants",
}

// reportAggregates computes per-table counts plus indicator-specific
// sums and means straight from the record source.
func (d *Deps) reportAggregates(ctx context.Context, indicator, year string) (map[string]float64, error) {
	aggregates := make(map[string]float64)

	participantSums := make(map[string]float64, len(participantColumns))
	var readinessSum, readinessCount float64
	clusters := make(map[string]bool)

	for _, table := range records.SourceTables {
		rows, err := d.Records.Load(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("aggregating %s: %w", table, err)
		}

		matched := 0
		for _, row := range rows {
			if indicator != "" && row["indicator"] != indicator {
				continue
			}
			if year != "" && row["year"] != year {
				continue
			}
			matched++

			for _, col := range participantColumns {
				if v, err := strconv.ParseFloat(row[col], 64); err == nil {
					participantSums[col] += v
				}
			}
			if v, err := strconv.ParseFloat(row["assess_readiness"], 64); err == nil {
				readinessSum += v
				readinessCount++
			}
			if id := row["cluster_id"]; id != "" {
				clusters[id] = true
			}
		}
		aggregates[table+"_count"] = float64(matched)
	}

	for _, col := range participantColumns {
		if sum := participantSums[col]; sum > 0 {
			aggregates[col] = sum
		}
	}
	if readinessCount > 0 {
		aggregates["mean_assess_readiness"] = readinessSum / readinessCount
	}
	if len(clusters) > 0 {
		aggregates["contributing_clusters"] = float64(len(clusters))
	}
	return aggregates, nil
}

// missedLinks lists the DOIs present in the retrieved evidence but
// absent from the generated text, with their cluster attribution.
func missedLinks(retrieved []vectorstore.Result, generated string) string {
	seen := make(map[string]bool)
	var lines []string
	for _, r := range retrieved {
		doi := r.Attr("doi")
		if doi == "" || seen[doi] || strings.Contains(generated, doi) {
			continue
		}
		seen[doi] = true
		if cluster := r.Attr("cluster"); cluster != "" {
			lines = append(lines, fmt.Sprintf("- %s (%s)", doi, cluster))
		} else {
			lines = append(lines, "- "+doi)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\n## Missed links\n" + strings.Join(lines, "\n") + "\n"
}
