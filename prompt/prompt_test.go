package prompt

import (
	"strings"
	"testing"

	"github.com/fieldlabs/harvest/vectorstore"
)

func TestBuildContext(t *testing.T) {
	results := []vectorstore.Result{
		{Chunk: vectorstore.Chunk{
			Content: "row one",
			Attributes: map[string]string{
				"table_type": "deliverables", "cluster": "CL-1",
				"year": "2024", "doi": "10.1/x",
			},
		}},
		{Chunk: vectorstore.Chunk{Content: "row two"}},
	}

	got := BuildContext(results)
	for _, want := range []string{"Record 1", "deliverables", "cluster CL-1", "doi:10.1/x", "row one", "Record 2", "row two"} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
}

func TestExtractionPrompt(t *testing.T) {
	system, user := Extraction("Policy Change", "the document text", "ref records")
	if system == "" {
		t.Fatal("empty system prompt")
	}
	for _, want := range []string{"the document text", "ref records", `"Policy Change"`, `{"results": [...]}`} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBatchExtractionPromptNumbersRows(t *testing.T) {
	_, user := BatchExtraction("", []string{"row a", "row b"}, "")
	if !strings.Contains(user, "1. row a") || !strings.Contains(user, "2. row b") {
		t.Errorf("rows not numbered:\n%s", user)
	}
	if !strings.Contains(user, "one element per row") {
		t.Error("batch prompt must pin one result per row")
	}
}

func TestIndicatorGuidance(t *testing.T) {
	_, user := Extraction("Innovation Development", "doc", "")
	if !strings.Contains(user, "assess_readiness") {
		t.Errorf("innovation schema hints missing:\n%s", user)
	}
	if strings.Contains(user, "policy_type") {
		t.Errorf("foreign indicator schema leaked:\n%s", user)
	}

	// No indicator renders every schema, in a stable order.
	_, all := Extraction("", "doc", "")
	capIdx := strings.Index(all, "training_type")
	polIdx := strings.Index(all, "policy_type")
	innIdx := strings.Index(all, "assess_readiness")
	if capIdx < 0 || polIdx < 0 || innIdx < 0 || !(capIdx < polIdx && polIdx < innIdx) {
		t.Errorf("all-indicator guidance incomplete or unordered:\n%s", all)
	}

	_, batch := BatchExtraction("Policy Change", []string{"r"}, "")
	if !strings.Contains(batch, "stage_in_policy_process") {
		t.Errorf("batch prompt missing policy schema:\n%s", batch)
	}
}

func TestReportPromptDeterministicAggregates(t *testing.T) {
	aggs := map[string]float64{"total_participants": 42, "mean_readiness": 3.5}
	_, first := Report("Policy Change", "2024", aggs, "records")
	_, second := Report("Policy Change", "2024", aggs, "records")
	if first != second {
		t.Fatal("identical inputs produced different prompts")
	}
	if !strings.Contains(first, "total_participants: 42") {
		t.Errorf("aggregate missing:\n%s", first)
	}
}

func TestChatPromptIncludesHistory(t *testing.T) {
	_, user := Chat("what changed?", "records", "user: hi\nassistant: hello")
	if !strings.Contains(user, "Conversation so far") || !strings.Contains(user, "what changed?") {
		t.Errorf("chat prompt incomplete:\n%s", user)
	}

	_, fresh := Chat("q", "records", "")
	if strings.Contains(fresh, "Conversation so far") {
		t.Error("empty history must not render a history block")
	}
}
