package orchestrate

import "strings"

// completionMarker is the literal prefix that, at the start of a Response's
// assembled text after trimming leading whitespace, indicates task
// completion.
const completionMarker = "TUNACODE DONE:"

// NodeOutcome is the result of processing one model iteration.
type NodeOutcome struct {
	Response Message

	Empty       bool
	EmptyReason string

	Completed      bool
	CompletionText string // everything after the marker's colon
	HadToolCalls   bool
	HadVisibleText bool
}

// ProcessNode assembles one iteration's Response from the text and
// tool-call parts collected while streaming, detects the completion
// marker, and detects empty/whitespace-only responses.
func ProcessNode(parts []Part) NodeOutcome {
	msg := Message{Kind: Response, Parts: parts}

	outcome := NodeOutcome{Response: msg}

	if msg.IsEmpty() {
		outcome.Empty = true
		outcome.EmptyReason = "no parts"
		return outcome
	}

	var text strings.Builder
	hasToolCalls := false
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			text.WriteString(p.Text)
		case PartToolCall:
			hasToolCalls = true
		}
	}
	outcome.HadToolCalls = hasToolCalls

	assembled := text.String()
	if !hasToolCalls && strings.TrimSpace(assembled) == "" {
		outcome.Empty = true
		outcome.EmptyReason = "whitespace only"
		return outcome
	}

	if hasNonWhitespace(assembled) {
		outcome.HadVisibleText = true
	}

	trimmed := strings.TrimLeft(assembled, " \t\n\r")
	if strings.HasPrefix(trimmed, completionMarker) {
		outcome.Completed = true
		outcome.CompletionText = strings.TrimSpace(trimmed[len(completionMarker):])
	}

	return outcome
}
