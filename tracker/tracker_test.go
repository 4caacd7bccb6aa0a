//go:build cgo

package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/notify"
)

type captureNotifier struct {
	mu       sync.Mutex
	events   []notify.Kind
	payloads []map[string]interface{}
	fail     bool
}

func (c *captureNotifier) Notify(_ context.Context, kind notify.Kind, payload map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("webhook down")
	}
	c.events = append(c.events, kind)
	c.payloads = append(c.payloads, payload)
	return nil
}

func newTestTracker(t *testing.T, n notify.Notifier) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "interactions_test.db"), n)
	if err != nil {
		t.Fatalf("creating tracker: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func sampleTrack(service string) TrackRequest {
	return TrackRequest{
		UserID:      "u-1",
		SessionID:   "s-1",
		ServiceName: service,
		UserInput:   "what changed?",
		AIOutput:    "the policy changed",
		Context:     map[string]interface{}{"indicator": "Policy Change"},
	}
}

func TestTrackAssignsMonotonicIDs(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	first, err := tr.Track(ctx, sampleTrack("chat"))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	second, err := tr.Track(ctx, sampleTrack("chat"))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not monotonic: %d then %d", first, second)
	}
}

func TestTrackValidatesRequired(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	cases := map[string]TrackRequest{
		"user_id":      {ServiceName: "chat", AIOutput: "x"},
		"service_name": {UserID: "u", AIOutput: "x"},
		"ai_output":    {UserID: "u", ServiceName: "chat"},
	}
	for name, req := range cases {
		if _, err := tr.Track(ctx, req); !errors.Is(err, harvest.ErrInvalidInput) {
			t.Errorf("missing %s accepted: %v", name, err)
		}
	}
}

func TestTrackAutoRegistersService(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	if _, err := tr.Track(ctx, sampleTrack("extraction")); err != nil {
		t.Fatalf("track: %v", err)
	}
	// A second track with the same service must not overwrite the entry.
	if _, err := tr.Track(ctx, sampleTrack("extraction")); err != nil {
		t.Fatalf("track: %v", err)
	}

	services, err := tr.Services(ctx)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("got %d services, want 1", len(services))
	}
	s := services[0]
	if s.ServiceName != "extraction" || s.DisplayName != "extraction" {
		t.Fatalf("unexpected service: %+v", s)
	}
	if len(s.ExpectedContext) != 1 || s.ExpectedContext[0] != "indicator" {
		t.Fatalf("expected_context: %+v", s.ExpectedContext)
	}
}

func TestUpdateFeedback(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	id, err := tr.Track(ctx, sampleTrack("chat"))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Update(ctx, id, FeedbackPositive, "great"); err != nil {
		t.Fatalf("update: %v", err)
	}

	inter, err := tr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inter.FeedbackKind != FeedbackPositive || inter.FeedbackComment != "great" {
		t.Fatalf("feedback not stored: %+v", inter)
	}
	if inter.FeedbackAt == "" {
		t.Fatal("feedback_at not set")
	}
}

func TestUpdateUnknownID(t *testing.T) {
	tr := newTestTracker(t, nil)
	if err := tr.Update(context.Background(), 9999, FeedbackPositive, ""); !errors.Is(err, harvest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRejectsUnknownKind(t *testing.T) {
	tr := newTestTracker(t, nil)
	id, _ := tr.Track(context.Background(), sampleTrack("chat"))
	if err := tr.Update(context.Background(), id, "meh", ""); !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNegativeFeedbackFansOut(t *testing.T) {
	n := &captureNotifier{}
	tr := newTestTracker(t, n)
	ctx := context.Background()

	id, err := tr.Track(ctx, sampleTrack("chat"))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Update(ctx, id, FeedbackNegative, "wrong answer"); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(n.events) != 1 || n.events[0] != notify.KindNegativeFeedback {
		t.Fatalf("fan-out events: %+v", n.events)
	}
	payload := n.payloads[0]
	if payload["interaction_id"] != id || payload["service_name"] != "chat" {
		t.Fatalf("fan-out payload: %+v", payload)
	}
}

func TestPositiveFeedbackDoesNotFanOut(t *testing.T) {
	n := &captureNotifier{}
	tr := newTestTracker(t, n)
	ctx := context.Background()

	id, _ := tr.Track(ctx, sampleTrack("chat"))
	if err := tr.Update(ctx, id, FeedbackPositive, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(n.events) != 0 {
		t.Fatalf("positive feedback fanned out: %+v", n.events)
	}
}

func TestFanOutFailureIsSwallowed(t *testing.T) {
	n := &captureNotifier{fail: true}
	tr := newTestTracker(t, n)
	ctx := context.Background()

	id, _ := tr.Track(ctx, sampleTrack("chat"))
	if err := tr.Update(ctx, id, FeedbackNegative, "bad"); err != nil {
		t.Fatalf("notifier failure propagated: %v", err)
	}
}

func TestSummaryAndSearch(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	rt := 1.5
	for i := 0; i < 3; i++ {
		req := sampleTrack("chat")
		req.ResponseTimeSeconds = &rt
		id, err := tr.Track(ctx, req)
		if err != nil {
			t.Fatalf("track: %v", err)
		}
		if i == 0 {
			tr.Update(ctx, id, FeedbackNegative, "")
		}
		if i == 1 {
			tr.Update(ctx, id, FeedbackPositive, "")
		}
	}
	other := sampleTrack("report")
	other.UserID = "u-2"
	if _, err := tr.Track(ctx, other); err != nil {
		t.Fatalf("track: %v", err)
	}

	sum, err := tr.Summary(ctx, Filters{ServiceName: "chat"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 3 || sum.PositiveFeedback != 1 || sum.NegativeFeedback != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if sum.MeanResponseSecs == nil || *sum.MeanResponseSecs != 1.5 {
		t.Fatalf("mean response time: %+v", sum.MeanResponseSecs)
	}

	items, total, err := tr.Search(ctx, Filters{UserID: "u-1"}, Page{Number: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("search page: total %d, items %d", total, len(items))
	}

	// Second page holds the remainder.
	items, _, err = tr.Search(ctx, Filters{UserID: "u-1"}, Page{Number: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("second page: %d items", len(items))
	}
}

func TestSearchSortAscending(t *testing.T) {
	tr := newTestTracker(t, nil)
	ctx := context.Background()

	first, _ := tr.Track(ctx, sampleTrack("chat"))
	tr.Track(ctx, sampleTrack("chat"))

	items, _, err := tr.Search(ctx, Filters{}, Page{Sort: "asc"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 2 || items[0].ID != first {
		t.Fatalf("ascending sort wrong: %+v", items)
	}
}
