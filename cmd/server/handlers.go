package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/pipeline"
	"github.com/fieldlabs/harvest/tracker"
)

type handler struct {
	deps  *pipeline.Deps
	track *tracker.Tracker
}

func newHandler(deps *pipeline.Deps, track *tracker.Tracker) *handler {
	return &handler{deps: deps, track: track}
}

// POST /extraction
func (h *handler) handleExtraction(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fillToken(r, &req.Token)

	resp, err := h.deps.Extraction(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /report
// With "stream": true the report arrives as chunked plain text.
func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		pipeline.ReportRequest
		Stream bool `json:"stream,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fillToken(r, &req.Token)

	if !req.Stream {
		resp, err := h.deps.Report(r.Context(), req.ReportRequest)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	out := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.deps.ReportStream(r.Context(), req.ReportRequest, out)
	}()

	wrote := false
	for frag := range out {
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := w.Write([]byte(frag)); err != nil {
			<-errCh
			return
		}
		flusher.Flush()
	}
	if err := <-errCh; err != nil {
		if !wrote {
			writeFailure(w, r, err)
			return
		}
		// Headers are gone; the truncated stream is the failure signal.
		slog.Error("report stream failed mid-flight", "error", err)
	}
}

// POST /chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fillToken(r, &req.Token)

	resp, err := h.deps.Chat(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		Refresh bool   `json:"refresh,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	fillToken(r, &req.Token)

	if err := h.deps.Auth.Validate(r.Context(), req.Token); err != nil {
		writeFailure(w, r, err)
		return
	}

	s := pipeline.NewScheduler(h.deps.Store, h.deps.Records, h.deps.Embedder)
	n, err := s.Ingest(r.Context(), req.Refresh)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks":  n,
		"refresh": req.Refresh,
	})
}

// POST /interactions/{id}/feedback
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction id")
		return
	}

	var req struct {
		Kind    string `json:"kind"`
		Comment string `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.track.Update(r.Context(), id, req.Kind, req.Comment); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interaction_id": id,
		"kind":           req.Kind,
	})
}

// GET /interactions/{id}
func (h *handler) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction id")
		return
	}

	inter, err := h.track.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inter)
}

// GET /interactions
func (h *handler) handleSearchInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := tracker.Page{Sort: q.Get("sort")}
	page.Number, _ = strconv.Atoi(q.Get("page"))
	page.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	interactions, total, err := h.track.Search(r.Context(), queryFilters(q.Get), page)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interactions": interactions,
		"total":        total,
	})
}

// GET /interactions/summary
func (h *handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.track.Summary(r.Context(), queryFilters(r.URL.Query().Get))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GET /services
func (h *handler) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.track.Services(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": services,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.DBStats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"reference_chunks": stats.ReferenceChunks,
	})
}

func queryFilters(get func(string) string) tracker.Filters {
	return tracker.Filters{
		ServiceName:  get("service_name"),
		UserID:       get("user_id"),
		SessionID:    get("session_id"),
		FeedbackKind: get("feedback"),
	}
}

// fillToken falls back to the Authorization bearer token when the request
// body carries none.
func fillToken(r *http.Request, token *string) {
	if *token != "" {
		return
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		*token = strings.TrimPrefix(auth, "Bearer ")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a pipeline error to its HTTP class and caller-facing
// message, logging the full error server-side.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := harvest.HTTPStatus(err)
	if status >= 500 {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		slog.Warn("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, harvest.UserMessage(err))
}
