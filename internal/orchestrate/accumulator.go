package orchestrate

import (
	"encoding/json"
	"fmt"
)

// toolCallAccumulator tracks tool calls as they stream in across
// NodeToolCallBegin/NodeToolCallDelta events, assembling each one's id,
// name, and incrementally-delivered argument fragments into a Part once the
// iteration's stream ends.
type toolCallAccumulator struct {
	byIndex     map[int]int
	ids         []string
	names       []string
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt NodeEvent) {
	pos := len(a.ids)
	a.byIndex[evt.ToolCallIndex] = pos
	a.ids = append(a.ids, evt.ToolCallID)
	a.names = append(a.names, evt.ToolCallName)
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt NodeEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

// finalize assembles the text and tool-call parts collected so far. A tool
// call with no id or no name is a malformed stream and is reported as an
// error rather than silently dropped.
func (a *toolCallAccumulator) finalize(assembledText string) (textParts, toolCallParts []Part, err error) {
	if assembledText != "" {
		textParts = []Part{{Kind: PartText, Text: assembledText}}
	}

	for i := range a.ids {
		if a.ids[i] == "" || a.names[i] == "" {
			return nil, nil, fmt.Errorf("tool call at position %d missing id or name", i)
		}
		toolCallParts = append(toolCallParts, Part{
			Kind:       PartToolCall,
			ToolCallID: a.ids[i],
			ToolName:   a.names[i],
			Args:       json.RawMessage(a.argBuilders[i]),
		})
	}
	return textParts, toolCallParts, nil
}
