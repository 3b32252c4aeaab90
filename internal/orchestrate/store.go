package orchestrate

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the Message Store when an append would
// violate one of the history's shape invariants.
var (
	ErrDuplicateToolCallID = errors.New("orchestrate: duplicate tool_call_id")
	ErrEmptyResponse       = errors.New("orchestrate: response has zero parts")
	ErrConsecutiveRequest  = errors.New("orchestrate: consecutive request with no intervening response")
	ErrDanglingOnAppend    = errors.New("orchestrate: tool-return/retry-prompt references unknown tool_call_id")
	ErrNotSanitizerToken   = errors.New("orchestrate: mutation rejected, caller does not hold the sanitizer token")
)

// sanitizerToken gates History.Replace/Remove so that only the History
// Sanitizer (C2) can mutate an already-appended message. The zero value is
// never valid; NewHistory mints the one token a Sanitizer is constructed
// with.
type sanitizerToken struct{ v *int }

// History is the Message Store (C1): a typed, append-mostly conversation log
// with invariant enforcement. Messages are appended by History.Append only;
// they are mutated only through the token-gated Replace/Remove entry points
// reserved for the Sanitizer.
type History struct {
	messages []Message
	token    sanitizerToken
}

// NewHistory creates an empty History along with the single sanitizer token
// that authorizes mutation of already-appended messages.
func NewHistory() *History {
	tok := sanitizerToken{v: new(int)}
	return &History{token: tok}
}

// View returns a read-only snapshot of the current history. The returned
// slice is a copy; mutating it does not affect the store.
func (h *History) View() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages currently in the store.
func (h *History) Len() int { return len(h.messages) }

// FindPart locates the first Part carrying the given tool_call_id and the
// index of the message containing it. Returns ok=false if not found.
func (h *History) FindPart(id string) (part Part, msgIndex int, ok bool) {
	for i, m := range h.messages {
		for _, p := range m.Parts {
			if p.ToolCallID == id {
				return p, i, true
			}
		}
	}
	return Part{}, -1, false
}

// Append adds msg to the end of the history after checking that it is a
// non-empty Response, that it is not a Request directly following another
// Request, that it introduces no duplicate tool_call_id, and that any
// tool-return/retry-prompt part resolves a tool-call id already live in the
// history. On violation it returns an error naming the offending id/kind;
// the message is not appended.
func (h *History) Append(msg Message) error {
	if msg.Kind == Response && msg.IsEmpty() {
		return fmt.Errorf("%w", ErrEmptyResponse)
	}

	if msg.Kind == Request && len(h.messages) > 0 {
		last := h.messages[len(h.messages)-1]
		if last.Kind == Request {
			return fmt.Errorf("%w", ErrConsecutiveRequest)
		}
	}

	seen := h.liveToolCallIDs()
	for _, id := range msg.toolCallIDs() {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s %q: %w", PartToolCall, id, ErrDuplicateToolCallID)
		}
		seen[id] = struct{}{}
	}

	for _, p := range msg.Parts {
		if p.Kind != PartToolReturn && p.Kind != PartRetryPrompt {
			continue
		}
		if _, ok := seen[p.ToolCallID]; !ok {
			return fmt.Errorf("%s %q: %w", p.Kind, p.ToolCallID, ErrDanglingOnAppend)
		}
	}

	h.messages = append(h.messages, msg)
	return nil
}

// liveToolCallIDs collects every tool_call_id introduced by a PartToolCall
// anywhere in the current history.
func (h *History) liveToolCallIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, m := range h.messages {
		for _, id := range m.toolCallIDs() {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// Token returns the mutation capability used to construct a Sanitizer bound
// to this History. Only the Orchestration Loop should call this, once, when
// wiring up a Sanitizer for a request.
func (h *History) Token() sanitizerToken { return h.token }

// Replace overwrites the message at index with msg. Requires tok to be the
// token minted by this History's NewHistory call.
func (h *History) Replace(tok sanitizerToken, index int, msg Message) error {
	if tok.v != h.token.v {
		return ErrNotSanitizerToken
	}
	if index < 0 || index >= len(h.messages) {
		return fmt.Errorf("orchestrate: replace index %d out of range", index)
	}
	h.messages[index] = msg
	return nil
}

// Remove deletes the message at index. Requires tok to be the token minted
// by this History's NewHistory call.
func (h *History) Remove(tok sanitizerToken, index int) error {
	if tok.v != h.token.v {
		return ErrNotSanitizerToken
	}
	if index < 0 || index >= len(h.messages) {
		return fmt.Errorf("orchestrate: remove index %d out of range", index)
	}
	h.messages = append(h.messages[:index], h.messages[index+1:]...)
	return nil
}

// replaceAll swaps the entire message slice. Requires tok to be the token
// minted by this History's NewHistory call. Used by the Sanitizer, which
// finds it simpler to build a fresh slice per pass than to splice in place.
func (h *History) replaceAll(tok sanitizerToken, msgs []Message) error {
	if tok.v != h.token.v {
		return ErrNotSanitizerToken
	}
	h.messages = msgs
	return nil
}
