package orchestrate

import (
	"encoding/json"
	"testing"
)

// buildRaw constructs a History bypassing Append's invariant checks, so
// sanitizer tests can set up exactly the corrupt shapes the sanitizer
// exists to repair.
func buildRaw(t *testing.T, msgs []Message) *History {
	t.Helper()
	h := NewHistory()
	tok := h.Token()
	if err := h.replaceAll(tok, msgs); err != nil {
		t.Fatalf("replaceAll: %v", err)
	}
	return h
}

func TestSanitizer_RepairsDanglingToolCall(t *testing.T) {
	h := buildRaw(t, []Message{
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "go"}}},
		{Kind: Response, Parts: []Part{
			{Kind: PartToolCall, ToolCallID: "t1", ToolName: "Grep", Args: json.RawMessage(`{}`)},
		}},
	})
	s := NewSanitizer(h)

	changed, dangling, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if len(dangling) != 1 || dangling[0] != "t1" {
		t.Fatalf("got dangling %v, want [t1]", dangling)
	}

	view := h.View()
	for _, m := range view {
		for _, p := range m.Parts {
			if p.ToolCallID == "t1" {
				t.Fatalf("expected t1 removed, found in %v", m)
			}
		}
	}
}

func TestSanitizer_RemovesEmptyResponses(t *testing.T) {
	h := buildRaw(t, []Message{
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "go"}}},
		{Kind: Response, Parts: nil},
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "again"}}},
	})
	s := NewSanitizer(h)

	if _, _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	view := h.View()
	for _, m := range view {
		if m.Kind == Response && m.IsEmpty() {
			t.Fatal("expected empty response removed")
		}
	}
}

func TestSanitizer_CollapsesConsecutiveRequests(t *testing.T) {
	h := buildRaw(t, []Message{
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "first"}}},
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "second"}}},
	})
	s := NewSanitizer(h)

	if _, _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	view := h.View()
	if len(view) != 1 {
		t.Fatalf("got %d messages, want 1", len(view))
	}
	if view[0].Parts[0].Text != "second" {
		t.Fatalf("got %q, want last request kept", view[0].Parts[0].Text)
	}
}

func TestSanitizer_NoOpOnCleanHistory(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")
	resp := Message{Kind: Response, Parts: []Part{{Kind: PartText, Text: "hello"}}}
	if err := h.Append(resp); err != nil {
		t.Fatalf("append: %v", err)
	}

	s := NewSanitizer(h)
	changed, dangling, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if changed {
		t.Fatal("expected no change on clean history")
	}
	if len(dangling) != 0 {
		t.Fatalf("got dangling %v, want none", dangling)
	}
}

// TestSanitizer_ConvergesAndIsIdempotent confirms a repaired history stays
// clean on a second Run rather than re-finding (or reintroducing) changes.
func TestSanitizer_ConvergesAndIsIdempotent(t *testing.T) {
	msgs := []Message{
		{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "go"}}},
		{Kind: Response, Parts: []Part{
			{Kind: PartToolCall, ToolCallID: "only", ToolName: "Grep", Args: json.RawMessage(`{}`)},
		}},
	}
	h := buildRaw(t, msgs)
	s := NewSanitizer(h)

	changed, _, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	// A second Run on the now-clean history must be a no-op, confirming
	// convergence rather than perpetual churn.
	if changed2, _, err2 := s.Run(); err2 != nil || changed2 {
		t.Fatalf("expected converged no-op second run, got changed=%v err=%v", changed2, err2)
	}
}

func TestSanitizeForResume_StripsSystemPromptAndRunID(t *testing.T) {
	history := []Message{
		{Kind: Request, RunID: "r1", Parts: []Part{
			{Kind: PartSystemPrompt, Text: "you are an agent"},
			{Kind: PartUserPrompt, Text: "hi"},
		}},
		{Kind: Response, RunID: "r1", Parts: []Part{{Kind: PartText, Text: "hello"}}},
	}

	out := SanitizeForResume(history)

	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	for _, m := range out {
		if m.RunID != "" {
			t.Errorf("expected RunID cleared, got %q", m.RunID)
		}
	}
	for _, p := range out[0].Parts {
		if p.Kind == PartSystemPrompt {
			t.Fatal("expected system prompt stripped")
		}
	}
}

func TestSanitizeForResume_DropsNowEmptyMessages(t *testing.T) {
	history := []Message{
		{Kind: Request, Parts: []Part{{Kind: PartSystemPrompt, Text: "only a system prompt"}}},
	}
	out := SanitizeForResume(history)
	if len(out) != 0 {
		t.Fatalf("got %d messages, want 0", len(out))
	}
}
