package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/prompt"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

// ChatFilters are the user-facing retrieval filters of one chat turn.
type ChatFilters struct {
	Phase     string `json:"phase,omitempty"`     // e.g. "2024 Progress", "All phases"
	Indicator string `json:"indicator,omitempty"` // or "All indicators"
	Section   string `json:"section,omitempty"`   // e.g. "Deliverables", "All"
}

// ChatRequest is one conversational turn.
type ChatRequest struct {
	Token     string      `json:"token"`
	Message   string      `json:"message"`
	Filters   ChatFilters `json:"filters"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Refresh   bool        `json:"refresh,omitempty"` // drop session memory first
}

// ChatResponse is the assistant's answer.
type ChatResponse struct {
	Answer        string  `json:"answer"`
	TimeTaken     float64 `json:"time_taken"`
	InteractionID int64   `json:"interaction_id,omitempty"`
}

// phaseTypes are the reporting phase classes a phase string can carry.
var phaseTypes = []string{"Progress", "AWPB", "AR"}

// sectionTables maps the user-facing section names to the source tables
// they cover.
var sectionTables = map[string][]string{
	"Deliverables":  {"deliverables"},
	"OICRs":         {"oicrs"},
	"Innovations":   {"innovations"},
	"Contributions": {"contributions", "questions"},
	"All":           {"deliverables", "oicrs", "innovations", "contributions", "questions"},
}

// session holds one conversation's memory. Turns on the same session are
// serialized by the mutex.
type session struct {
	mu     sync.Mutex
	userID string
	turns  []string
}

// maxSessionTurns bounds the history rendered into a prompt.
const maxSessionTurns = 20

// SessionStore is the in-process session memory, keyed by session id.
// The user id namespaces the memory across sessions.
type SessionStore struct {
	mu sync.Mutex
	m  map[string]*session
}

// NewSessionStore builds an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{m: make(map[string]*session)}
}

func (s *SessionStore) get(sessionID, userID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "/" + sessionID
	sess, ok := s.m[key]
	if !ok {
		sess = &session{userID: userID}
		s.m[key] = sess
	}
	return sess
}

func (s *SessionStore) drop(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, userID+"/"+sessionID)
}

// Chat answers one conversational turn over the reference corpus.
func (d *Deps) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	p := newProgress("chat")

	if err := d.Auth.Validate(ctx, req.Token); err != nil {
		return nil, p.fail(err)
	}
	p.advance(StateAuthenticated)

	if req.Message == "" {
		return nil, p.fail(fmt.Errorf("%w: message is required", harvest.ErrInvalidInput))
	}
	if req.SessionID == "" {
		return nil, p.fail(fmt.Errorf("%w: session_id is required", harvest.ErrInvalidInput))
	}

	if req.Refresh {
		d.sessionStore().drop(req.SessionID, req.UserID)
	}
	sess := d.sessionStore().get(req.SessionID, req.UserID)

	// Turns on one session run in receipt order.
	sess.mu.Lock()
	defer sess.mu.Unlock()

	scheduler := NewScheduler(d.Store, d.Records, d.Embedder)
	if err := scheduler.EnsureReference(ctx); err != nil {
		return nil, p.fail(asTimeout(err))
	}

	filters, phaseType := normalizeChatFilters(req.Filters)

	queryVec, err := d.Embedder.EmbedOne(ctx, req.Message)
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}
	retrieved, err := d.Store.Retrieve(ctx, vectorstore.Query{
		Vector:  queryVec,
		Corpus:  vectorstore.CorpusReference,
		Filters: filters,
	})
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}
	retrieved = filterContributionPhase(retrieved, phaseType)
	p.advance(StateRetrieved)

	history := strings.Join(sess.turns, "\n")
	system, user := prompt.Chat(req.Message, prompt.BuildContext(retrieved), history)

	resp, err := d.LLM.Invoke(ctx, llm.Request{System: system, Prompt: user})
	if err != nil {
		return nil, p.fail(asTimeout(err))
	}
	p.advance(StateGenerated)

	sess.turns = append(sess.turns,
		"user: "+req.Message,
		"assistant: "+resp.Content)
	if len(sess.turns) > maxSessionTurns {
		sess.turns = sess.turns[len(sess.turns)-maxSessionTurns:]
	}

	interactionID := d.track(ctx, tracker.TrackRequest{
		UserID:      orAnonymous(req.UserID),
		SessionID:   req.SessionID,
		ServiceName: "chat",
		UserInput:   req.Message,
		AIOutput:    resp.Content,
		Context: map[string]interface{}{
			"phase":     req.Filters.Phase,
			"indicator": req.Filters.Indicator,
			"section":   req.Filters.Section,
		},
		ResponseTimeSeconds: floatp(p.elapsed()),
	})

	p.advance(StateReturned)
	return &ChatResponse{
		Answer:        resp.Content,
		TimeTaken:     p.elapsed(),
		InteractionID: interactionID,
	}, nil
}

// normalizeChatFilters translates the user-facing filters into store
// filters plus the in-process phase-type restriction.
func normalizeChatFilters(f ChatFilters) (map[string][]string, string) {
	filters := make(map[string][]string)

	year, phaseType := splitPhase(f.Phase)
	if year != "" {
		filters["year"] = []string{year}
	}

	if f.Indicator != "" && f.Indicator != "All indicators" {
		filters["indicator"] = []string{f.Indicator}
	}

	section := f.Section
	if section == "" {
		section = "All"
	}
	if tables, ok := sectionTables[section]; ok && section != "All" {
		filters["source_table"] = tables
	}

	return filters, phaseType
}

// splitPhase breaks a phase string like "2024 Progress" into its year
// and phase type. "All phases" and empty phases yield neither.
func splitPhase(phase string) (year, phaseType string) {
	if phase == "" || strings.EqualFold(phase, "All phases") {
		return "", ""
	}
	for _, field := range strings.Fields(phase) {
		if n, err := strconv.Atoi(field); err == nil && len(field) == 4 && n >= 1900 && n <= 2999 {
			year = field
			continue
		}
		for _, pt := range phaseTypes {
			if strings.EqualFold(field, pt) {
				phaseType = pt
			}
		}
	}
	return year, phaseType
}

// filterContributionPhase drops contribution and question rows whose
// phase type does not match the requested one. Other tables are not
// phase-typed and pass through.
func filterContributionPhase(results []vectorstore.Result, phaseType string) []vectorstore.Result {
	if phaseType == "" {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		tt := r.Attr("table_type")
		if (tt == "contributions" || tt == "questions") && r.Attr("phase_type") != phaseType {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
