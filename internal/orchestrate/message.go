// Package orchestrate implements the agent orchestration core: the bounded
// reasoning loop that alternates between model inference and tool execution,
// and the message history it produces.
package orchestrate

import "encoding/json"

// MessageKind discriminates a Message as either input to the model or
// output from it.
type MessageKind int

const (
	// Request holds parts sent to the model: prompts and tool returns.
	Request MessageKind = iota
	// Response holds parts produced by the model: text and tool calls.
	Response
)

func (k MessageKind) String() string {
	if k == Request {
		return "request"
	}
	return "response"
}

// PartKind discriminates the kind of a Part.
type PartKind int

const (
	PartSystemPrompt PartKind = iota
	PartUserPrompt
	PartToolReturn
	PartRetryPrompt
	PartText
	PartToolCall
)

func (k PartKind) String() string {
	switch k {
	case PartSystemPrompt:
		return "system-prompt"
	case PartUserPrompt:
		return "user-prompt"
	case PartToolReturn:
		return "tool-return"
	case PartRetryPrompt:
		return "retry-prompt"
	case PartText:
		return "text"
	case PartToolCall:
		return "tool-call"
	default:
		return "unknown"
	}
}

// Part is a single element of a Message. Which fields are meaningful depends
// on Kind.
type Part struct {
	Kind PartKind

	// Text holds content for PartSystemPrompt, PartUserPrompt, and PartText.
	Text string

	// ToolCallID identifies the paired tool-call/tool-return for
	// PartToolReturn, PartRetryPrompt, and PartToolCall. Every id must be
	// unique within a history and every tool-call must eventually be
	// resolved by exactly one tool-return or retry-prompt carrying the
	// same id.
	ToolCallID string

	// ToolName and Args are set for PartToolCall.
	ToolName string
	Args     json.RawMessage

	// Content is the tool-return payload for PartToolReturn.
	Content string

	// Reason is the failure explanation for PartRetryPrompt.
	Reason string
}

// Message is a discriminated Request/Response carrying an ordered list of
// Parts and an opaque run identifier (cleared on cross-session resume).
type Message struct {
	Kind  MessageKind
	Parts []Part
	RunID string
}

// IsEmpty reports whether the message has zero parts. A zero-part Response
// is never appended to a History.
func (m Message) IsEmpty() bool {
	return len(m.Parts) == 0
}

// HasNonWhitespaceContent reports whether the message carries any tool call
// or any text part with non-whitespace content — used by the Node Processor
// (C5) to detect "empty" responses that are not literally zero-part.
func (m Message) HasNonWhitespaceContent() bool {
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			return true
		}
		if p.Kind == PartText && hasNonWhitespace(p.Text) {
			return true
		}
	}
	return false
}

func hasNonWhitespace(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return true
		}
	}
	return false
}

// toolCallIDs returns every tool-call id carried by Parts of kind
// PartToolCall, in order.
func (m Message) toolCallIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}

// returnedIDs returns every tool-call id that this message resolves, via
// either a PartToolReturn or PartRetryPrompt.
func (m Message) returnedIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if p.Kind == PartToolReturn || p.Kind == PartRetryPrompt {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}
