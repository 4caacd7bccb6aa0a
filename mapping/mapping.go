// Package mapping resolves free-text staff and institution names to
// canonical IDs through a lexical search backend (any Elasticsearch or
// OpenSearch-compatible _search endpoint).
package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	harvest "github.com/fieldlabs/harvest"
)

// Type selects the index a value resolves against.
type Type string

const (
	TypeStaff       Type = "staff"
	TypeInstitution Type = "institution"
)

// Request is one value to resolve.
type Request struct {
	Value string `json:"value"`
	Type  Type   `json:"type"`
}

// Entry is a resolution outcome. A value that found no candidate keeps
// nil mapped fields; the caller's artifact degrades instead of failing.
type Entry struct {
	OriginalValue string   `json:"original_value"`
	Type          Type     `json:"type"`
	MappedID      *int64   `json:"mapped_id,omitempty"`
	MappedName    *string  `json:"mapped_name,omitempty"`
	MappedAcronym *string  `json:"mapped_acronym,omitempty"`
	Score         *float64 `json:"score,omitempty"`
}

// Candidate is one search hit.
type Candidate struct {
	ID      int64
	Name    string
	Acronym string
	Score   float64
}

// Client queries the staff and institution indices.
type Client struct {
	cfg  harvest.MappingConfig
	http *http.Client
}

// NewClient builds a mapping client from configuration.
func NewClient(cfg harvest.MappingConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelaySecs <= 0 {
		cfg.RetryDelaySecs = 1
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve maps each request to an Entry, preserving order. Resolution
// never fails the caller: backend exhaustion yields entries with nil
// mapped fields.
func (c *Client) Resolve(ctx context.Context, reqs []Request) []Entry {
	entries := make([]Entry, len(reqs))
	for i, req := range reqs {
		entries[i] = Entry{OriginalValue: req.Value, Type: req.Type}
		if req.Value == "" {
			continue
		}

		candidates, err := c.searchWithRetry(ctx, req)
		if err != nil {
			slog.Warn("mapping: resolution degraded to null ids",
				"value", req.Value, "type", req.Type, "error", err)
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		top := candidates[0]
		entries[i].MappedID = &top.ID
		if top.Name != "" {
			entries[i].MappedName = &top.Name
		}
		if top.Acronym != "" {
			entries[i].MappedAcronym = &top.Acronym
		}
		entries[i].Score = &top.Score
	}
	return entries
}

// searchWithRetry retries only on backend unavailability, with
// exponential backoff retry_delay * 2^attempt. Any other error breaks
// immediately.
func (c *Client) searchWithRetry(ctx context.Context, req Request) ([]Candidate, error) {
	retryDelay := time.Duration(c.cfg.RetryDelaySecs * float64(time.Second))

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay * time.Duration(1<<(attempt-1))
			slog.Warn("mapping: retrying search",
				"value", req.Value, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		candidates, err := c.search(ctx, req)
		if err == nil {
			return candidates, nil
		}
		if !errors.Is(err, harvest.ErrUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: mapping retries exhausted: %v", harvest.ErrUnavailable, lastErr)
}

// --- wire format ---

type multiMatch struct {
	Query  string   `json:"query"`
	Fields []string `json:"fields"`
	Type   string   `json:"type"`
}

type searchRequest struct {
	Size  int `json:"size"`
	Query struct {
		Bool struct {
			Should []map[string]multiMatch `json:"should"`
		} `json:"bool"`
	} `json:"query"`
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				ID        int64  `json:"id"`
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
				Name      string `json:"name"`
				Acronym   string `json:"acronym"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// topCandidates is the number of hits requested per value.
const topCandidates = 3

func (c *Client) indexAndFields(t Type) (string, []string, error) {
	switch t {
	case TypeStaff:
		return c.cfg.StaffIndex, []string{"first_name^2", "last_name^2"}, nil
	case TypeInstitution:
		return c.cfg.InstitutionIndex, []string{"acronym^2", "name"}, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown mapping type %q", harvest.ErrInvalidInput, t)
	}
}

func (c *Client) search(ctx context.Context, req Request) ([]Candidate, error) {
	index, fields, err := c.indexAndFields(req.Type)
	if err != nil {
		return nil, err
	}

	var body searchRequest
	body.Size = topCandidates
	// best_fields ranks exact single-field matches; cross_fields catches
	// names split across columns ("Jane" + "Doe").
	for _, matchType := range []string{"best_fields", "cross_fields"} {
		body.Query.Bool.Should = append(body.Query.Bool.Should, map[string]multiMatch{
			"multi_match": {Query: req.Value, Fields: fields, Type: matchType},
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + "/" + index + "/_search"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: mapping request failed: %v", harvest.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading mapping response: %v", harvest.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: mapping status %d", harvest.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: mapping status %d", harvest.ErrAuthDenied, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: mapping index %q", harvest.ErrNotFound, index)
	default:
		return nil, fmt.Errorf("%w: mapping status %d: %s", harvest.ErrInvalidInput, resp.StatusCode, respBody)
	}

	var sr searchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("decoding mapping response: %w", err)
	}

	candidates := make([]Candidate, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		cand := Candidate{ID: hit.Source.ID, Score: hit.Score, Acronym: hit.Source.Acronym}
		if cand.ID == 0 {
			if id, err := strconv.ParseInt(hit.ID, 10, 64); err == nil {
				cand.ID = id
			}
		}
		cand.Name = hit.Source.Name
		if cand.Name == "" && (hit.Source.FirstName != "" || hit.Source.LastName != "") {
			cand.Name = joinName(hit.Source.FirstName, hit.Source.LastName)
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
