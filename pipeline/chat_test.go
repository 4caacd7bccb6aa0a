//go:build cgo

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/llm"
)

func TestChatAnswersFromRecords(t *testing.T) {
	fl := &fakeLLM{handler: func(req llm.Request) string {
		if !strings.Contains(req.Prompt, "Dataset release") {
			t.Errorf("retrieved records absent from prompt:\n%s", req.Prompt)
		}
		return "The dataset release supported the 2024 policy outcome."
	}}
	d := newTestDeps(t, fl)

	resp, err := d.Chat(context.Background(), ChatRequest{
		Token:     "ok",
		Message:   "What supported the policy outcome?",
		SessionID: "s1",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Answer == "" {
		t.Fatal("empty answer")
	}
}

func TestChatSessionMemory(t *testing.T) {
	fl := &fakeLLM{handler: func(llm.Request) string { return "answer" }}
	d := newTestDeps(t, fl)
	ctx := context.Background()

	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "first question", SessionID: "s1", UserID: "u1",
	}); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "second question", SessionID: "s1", UserID: "u1",
	}); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	p := fl.lastCall().Prompt
	if !strings.Contains(p, "Conversation so far:") {
		t.Fatalf("history block absent:\n%s", p)
	}
	if !strings.Contains(p, "user: first question") {
		t.Errorf("first turn missing from history:\n%s", p)
	}
}

func TestChatRefreshDropsMemory(t *testing.T) {
	fl := &fakeLLM{handler: func(llm.Request) string { return "answer" }}
	d := newTestDeps(t, fl)
	ctx := context.Background()

	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "first question", SessionID: "s1", UserID: "u1",
	}); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "fresh start", SessionID: "s1", UserID: "u1", Refresh: true,
	}); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	p := fl.lastCall().Prompt
	if strings.Contains(p, "first question") {
		t.Errorf("refreshed session still carries old turns:\n%s", p)
	}
}

func TestChatSessionsAreUserScoped(t *testing.T) {
	fl := &fakeLLM{handler: func(llm.Request) string { return "answer" }}
	d := newTestDeps(t, fl)
	ctx := context.Background()

	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "alpha secret", SessionID: "shared", UserID: "u1",
	}); err != nil {
		t.Fatalf("user 1 turn: %v", err)
	}
	if _, err := d.Chat(ctx, ChatRequest{
		Token: "ok", Message: "hello", SessionID: "shared", UserID: "u2",
	}); err != nil {
		t.Fatalf("user 2 turn: %v", err)
	}

	p := fl.lastCall().Prompt
	if strings.Contains(p, "alpha secret") {
		t.Errorf("session memory leaked across users:\n%s", p)
	}
}

func TestChatHistoryBounded(t *testing.T) {
	fl := &fakeLLM{handler: func(llm.Request) string { return "answer" }}
	d := newTestDeps(t, fl)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := d.Chat(ctx, ChatRequest{
			Token: "ok", Message: "question", SessionID: "s1", UserID: "u1",
		}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	sess := d.sessionStore().get("s1", "u1")
	if len(sess.turns) > maxSessionTurns {
		t.Fatalf("history grew to %d entries, cap is %d", len(sess.turns), maxSessionTurns)
	}
}

func TestChatRequiresMessageAndSession(t *testing.T) {
	d := newTestDeps(t, &fakeLLM{})
	ctx := context.Background()

	_, err := d.Chat(ctx, ChatRequest{Token: "ok", SessionID: "s1"})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("missing message: want ErrInvalidInput, got %v", err)
	}

	_, err = d.Chat(ctx, ChatRequest{Token: "ok", Message: "hi"})
	if !errors.Is(err, harvest.ErrInvalidInput) {
		t.Fatalf("missing session: want ErrInvalidInput, got %v", err)
	}
}

func TestChatPhaseFilterDropsOtherPhases(t *testing.T) {
	fl := &fakeLLM{handler: func(req llm.Request) string {
		if strings.Contains(req.Prompt, "Plan note") {
			t.Errorf("AWPB contribution leaked into a Progress query:\n%s", req.Prompt)
		}
		return "answer"
	}}
	d := newTestDeps(t, fl)

	if _, err := d.Chat(context.Background(), ChatRequest{
		Token:     "ok",
		Message:   "What progress was reported?",
		SessionID: "s1",
		UserID:    "u1",
		Filters:   ChatFilters{Phase: "2024 Progress", Section: "Contributions"},
	}); err != nil {
		t.Fatalf("chat: %v", err)
	}
}

func TestChatTracksFilters(t *testing.T) {
	fl := &fakeLLM{handler: func(llm.Request) string { return "answer" }}
	d := newTestDeps(t, fl)
	ft := d.Tracker.(*fakeTracker)

	resp, err := d.Chat(context.Background(), ChatRequest{
		Token:     "ok",
		Message:   "any deliverables?",
		SessionID: "s1",
		UserID:    "u1",
		Filters:   ChatFilters{Indicator: "Policy Change", Section: "Deliverables"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.InteractionID == 0 {
		t.Error("interaction id not propagated")
	}
	if len(ft.reqs) != 1 || ft.reqs[0].ServiceName != "chat" {
		t.Fatalf("unexpected track requests: %+v", ft.reqs)
	}
	if ft.reqs[0].Context["section"] != "Deliverables" {
		t.Errorf("track context: %+v", ft.reqs[0].Context)
	}
}
