// Package pipeline orchestrates the extraction, report, and
// conversational flows over the decoder, vector store, LLM, mapping, and
// tracker components.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/auth"
	"github.com/fieldlabs/harvest/blob"
	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/mapping"
	"github.com/fieldlabs/harvest/records"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

// Recorder records interactions. Satisfied by *tracker.Tracker; nil
// disables tracking.
type Recorder interface {
	Track(ctx context.Context, req tracker.TrackRequest) (int64, error)
}

// Deps wires the pipelines to their collaborators.
type Deps struct {
	Config   harvest.Config
	Store    *vectorstore.Store
	Blobs    blob.Store
	LLM      llm.Provider
	Embedder Embedder
	Mapper   mapping.Resolver
	Records  records.Source
	Tracker  Recorder
	Auth     auth.TokenValidator

	// Sessions holds conversational memory. Left nil, one is created on
	// first use.
	Sessions *SessionStore

	sessionsOnce sync.Once
}

// sessionStore returns the session memory, creating the default lazily.
func (d *Deps) sessionStore() *SessionStore {
	d.sessionsOnce.Do(func() {
		if d.Sessions == nil {
			d.Sessions = NewSessionStore()
		}
	})
	return d.Sessions
}

// State names a step of the request state machine.
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateDecoded       State = "decoded"
	StateIndexed       State = "indexed"
	StateRetrieved     State = "retrieved"
	StateGenerated     State = "generated"
	StateValidated     State = "validated"
	StateEnriched      State = "enriched"
	StateReturned      State = "returned"
	StateFailed        State = "failed"
)

// progress tracks one request through the state machine, logging each
// transition.
type progress struct {
	task    string
	state   State
	started time.Time
}

func newProgress(task string) *progress {
	return &progress{task: task, state: StateReceived, started: time.Now()}
}

func (p *progress) advance(next State) {
	slog.Debug("pipeline: state transition",
		"task", p.task, "from", p.state, "to", next,
		"elapsed", time.Since(p.started).Round(time.Millisecond))
	p.state = next
}

func (p *progress) fail(err error) error {
	slog.Warn("pipeline: request failed",
		"task", p.task, "state", p.state, "error", err,
		"elapsed", time.Since(p.started).Round(time.Millisecond))
	p.state = StateFailed
	return err
}

func (p *progress) elapsed() float64 {
	return time.Since(p.started).Seconds()
}

// withDeadline applies the configured overall request deadline.
func (d *Deps) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	secs := d.Config.RequestTimeoutSeconds
	if secs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}

// asTimeout maps a deadline expiry to the timeout failure kind.
func asTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", harvest.ErrTimeout, err)
	}
	return err
}

var documentNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// ephemeralName builds the namespace for one request's ephemeral chunks:
// the normalized source key plus the request timestamp, so concurrent
// requests on the same file never share a namespace.
func ephemeralName(key string) string {
	base := key
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	normalized := strings.Trim(documentNameSanitizer.ReplaceAllString(base, "_"), "_")
	return fmt.Sprintf("%s_%d", normalized, time.Now().UnixNano())
}

// keyExtension returns the lowercased extension of a blob key.
func keyExtension(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return strings.ToLower(key[i+1:])
	}
	return ""
}

// track records an interaction without ever failing the caller.
func (d *Deps) track(ctx context.Context, req tracker.TrackRequest) int64 {
	if d.Tracker == nil {
		return 0
	}
	id, err := d.Tracker.Track(ctx, req)
	if err != nil {
		slog.Warn("pipeline: interaction tracking failed",
			"service", req.ServiceName, "error", err)
		return 0
	}
	return id
}
