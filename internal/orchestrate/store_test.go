package orchestrate

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestHistoryAppend_RejectsEmptyResponse(t *testing.T) {
	h := NewHistory()
	err := h.Append(Message{Kind: Response})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("got %v, want ErrEmptyResponse", err)
	}
	if h.Len() != 0 {
		t.Fatalf("expected no append, got len %d", h.Len())
	}
}

func TestHistoryAppend_RejectsConsecutiveRequest(t *testing.T) {
	h := NewHistory()
	req := Message{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: "hi"}}}
	if err := h.Append(req); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := h.Append(req); !errors.Is(err, ErrConsecutiveRequest) {
		t.Fatalf("got %v, want ErrConsecutiveRequest", err)
	}
}

func TestHistoryAppend_RejectsDuplicateToolCallID(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")

	resp := Message{Kind: Response, Parts: []Part{
		{Kind: PartToolCall, ToolCallID: "t1", ToolName: "Grep", Args: json.RawMessage(`{}`)},
	}}
	if err := h.Append(resp); err != nil {
		t.Fatalf("append response: %v", err)
	}

	dup := Message{Kind: Response, Parts: []Part{
		{Kind: PartToolCall, ToolCallID: "t1", ToolName: "Grep", Args: json.RawMessage(`{}`)},
	}}
	if err := h.Append(dup); !errors.Is(err, ErrDuplicateToolCallID) {
		t.Fatalf("got %v, want ErrDuplicateToolCallID", err)
	}
}

func TestHistoryAppend_RejectsDanglingToolReturn(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")

	msg := Message{Kind: Request, Parts: []Part{
		{Kind: PartToolReturn, ToolCallID: "nonexistent", Content: "ok"},
	}}
	if err := h.Append(msg); !errors.Is(err, ErrDanglingOnAppend) {
		t.Fatalf("got %v, want ErrDanglingOnAppend", err)
	}
}

func TestHistoryAppend_AllowsMatchedToolReturn(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")

	resp := Message{Kind: Response, Parts: []Part{
		{Kind: PartToolCall, ToolCallID: "t1", ToolName: "Grep", Args: json.RawMessage(`{}`)},
	}}
	if err := h.Append(resp); err != nil {
		t.Fatalf("append response: %v", err)
	}

	ret := Message{Kind: Request, Parts: []Part{
		{Kind: PartToolReturn, ToolCallID: "t1", Content: "ok"},
	}}
	if err := h.Append(ret); err != nil {
		t.Fatalf("append tool return: %v", err)
	}
	if h.Len() != 3 {
		t.Fatalf("got len %d, want 3", h.Len())
	}
}

func TestHistoryReplaceRemove_RequireToken(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")

	otherHistory := NewHistory()
	foreignTok := otherHistory.Token()

	if err := h.Replace(foreignTok, 0, Message{}); !errors.Is(err, ErrNotSanitizerToken) {
		t.Fatalf("Replace: got %v, want ErrNotSanitizerToken", err)
	}
	if err := h.Remove(foreignTok, 0); !errors.Is(err, ErrNotSanitizerToken) {
		t.Fatalf("Remove: got %v, want ErrNotSanitizerToken", err)
	}

	tok := h.Token()
	if err := h.Remove(tok, 0); err != nil {
		t.Fatalf("Remove with own token: %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("got len %d, want 0", h.Len())
	}
}

func TestHistoryFindPart(t *testing.T) {
	h := NewHistory()
	seedUserTurn(t, h, "hi")
	resp := Message{Kind: Response, Parts: []Part{
		{Kind: PartToolCall, ToolCallID: "t1", ToolName: "Grep", Args: json.RawMessage(`{}`)},
	}}
	if err := h.Append(resp); err != nil {
		t.Fatalf("append: %v", err)
	}

	part, idx, ok := h.FindPart("t1")
	if !ok {
		t.Fatal("expected to find part")
	}
	if idx != 1 {
		t.Errorf("got idx %d, want 1", idx)
	}
	if part.ToolName != "Grep" {
		t.Errorf("got tool name %q, want Grep", part.ToolName)
	}

	if _, _, ok := h.FindPart("missing"); ok {
		t.Fatal("expected not to find part")
	}
}

func seedUserTurn(t *testing.T, h *History, text string) {
	t.Helper()
	msg := Message{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: text}}}
	if err := h.Append(msg); err != nil {
		t.Fatalf("seed user turn: %v", err)
	}
}
