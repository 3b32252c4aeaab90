package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// scriptedClient replays a fixed sequence of iterations, one []NodeEvent
// slice per call to Stream. Each call advances to the next script entry;
// calling Stream more times than the script has entries reuses the last
// entry, which is convenient for "keep producing tool calls" scenarios.
type scriptedClient struct {
	script [][]NodeEvent
	calls  int
}

func (c *scriptedClient) Stream(ctx context.Context, history []Message, modelID string) (<-chan NodeEvent, error) {
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++

	ch := make(chan NodeEvent, len(c.script[i]))
	for _, evt := range c.script[i] {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

func textEvents(text string) []NodeEvent {
	return []NodeEvent{
		{Type: NodeContentDelta, Content: text},
		{Type: NodeDone},
	}
}

func toolCallEvents(id, name, args string) []NodeEvent {
	return []NodeEvent{
		{Type: NodeToolCallBegin, ToolCallIndex: 0, ToolCallID: id, ToolCallName: name},
		{Type: NodeToolCallDelta, ToolCallIndex: 0, ToolCallArgs: args},
		{Type: NodeDone},
	}
}

func userRequest(text string) Message {
	return Message{Kind: Request, Parts: []Part{{Kind: PartUserPrompt, Text: text}}}
}

func baseOptions(t *testing.T, model ModelClient, registry ToolRegistry) Options {
	t.Helper()
	if registry == nil {
		registry = NewStaticRegistry(nil)
	}
	return Options{
		History:  NewHistory(),
		Model:    model,
		ModelID:  "test-model",
		Registry: registry,
		Session:  NewSession(false, nil, true),
		Config:   DefaultConfig(),
	}
}

func TestProcessRequest_SimpleTextCompletion(t *testing.T) {
	client := &scriptedClient{script: [][]NodeEvent{
		textEvents("TUNACODE DONE: all set"),
	}}
	opts := baseOptions(t, client, nil)

	run, err := ProcessRequest(context.Background(), userRequest("do the thing"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if run.FinalText != "all set" {
		t.Errorf("got FinalText %q, want %q", run.FinalText, "all set")
	}
	if run.Fallback {
		t.Error("expected no fallback")
	}
	if run.Iterations != 1 {
		t.Errorf("got %d iterations, want 1", run.Iterations)
	}
}

func TestProcessRequest_ToolCallThenCompletion(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name:     "Grep",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "3 matches"}, nil
		},
	}})
	client := &scriptedClient{script: [][]NodeEvent{
		toolCallEvents("t1", "Grep", `{"pattern":"foo"}`),
		textEvents("TUNACODE DONE: found it"),
	}}
	opts := baseOptions(t, client, registry)

	run, err := ProcessRequest(context.Background(), userRequest("find foo"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if run.FinalText != "found it" {
		t.Errorf("got FinalText %q, want %q", run.FinalText, "found it")
	}
	if len(run.ToolCalls) != 1 || run.ToolCalls[0].Name != "Grep" {
		t.Errorf("got ToolCalls %v, want one Grep call", run.ToolCalls)
	}
	if run.Iterations != 2 {
		t.Errorf("got %d iterations, want 2", run.Iterations)
	}
}

func TestProcessRequest_EmptyResponseGetsCorrectiveThenRecovers(t *testing.T) {
	client := &scriptedClient{script: [][]NodeEvent{
		{{Type: NodeDone}}, // empty iteration: no content, no tool calls
		textEvents("TUNACODE DONE: recovered"),
	}}
	opts := baseOptions(t, client, nil)

	run, err := ProcessRequest(context.Background(), userRequest("go"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if run.FinalText != "recovered" {
		t.Errorf("got FinalText %q, want %q", run.FinalText, "recovered")
	}

	view := opts.History.View()
	foundCorrective := false
	for _, m := range view {
		if m.Kind != Request {
			continue
		}
		for _, p := range m.Parts {
			if p.Kind == PartUserPrompt && p.Text != "go" {
				foundCorrective = true
			}
		}
	}
	if !foundCorrective {
		t.Error("expected a corrective prompt appended after the empty response")
	}
}

func TestProcessRequest_FallbackSynthesizedAtIterationCap(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name:     "Grep",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "ok"}, nil
		},
	}})
	// Every iteration issues a fresh tool call and never completes or
	// produces visible text, forcing the run to exhaust its iteration
	// budget and fall back.
	client := &unendingToolCaller{}
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	cfg.FallbackEnabled = true

	opts := baseOptions(t, client, registry)
	opts.Config = cfg

	run, err := ProcessRequest(context.Background(), userRequest("go"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if !run.Fallback {
		t.Fatal("expected a synthesized fallback")
	}
	if run.FinalText == "" {
		t.Error("expected a non-empty fallback summary")
	}
}

// unendingToolCaller issues a new, uniquely-ided tool call on every Stream
// call, so a bounded run can never reach TaskCompleted on its own.
type unendingToolCaller struct {
	n int
}

func (c *unendingToolCaller) Stream(ctx context.Context, history []Message, modelID string) (<-chan NodeEvent, error) {
	c.n++
	id := fmt.Sprintf("call-%d", c.n)
	ch := make(chan NodeEvent, 3)
	ch <- NodeEvent{Type: NodeToolCallBegin, ToolCallIndex: 0, ToolCallID: id, ToolCallName: "Grep"}
	ch <- NodeEvent{Type: NodeToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{}`}
	ch <- NodeEvent{Type: NodeDone}
	close(ch)
	return ch, nil
}

func TestProcessRequest_CancelledMidRunStopsCleanly(t *testing.T) {
	// Session-level cancellation (Session.MarkCancelled) is reset by
	// ResetForNewRequest at the start of every ProcessRequest call, so a
	// cancellation has to come from the caller's context instead -- this
	// mirrors how a real caller would cancel an in-flight request.
	client := &scriptedClient{script: [][]NodeEvent{
		textEvents("TUNACODE DONE: should not reach here"),
	}}
	opts := baseOptions(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := ProcessRequest(ctx, userRequest("go"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if !run.Cancelled {
		t.Fatal("expected Cancelled")
	}
}

func TestProcessRequest_RequiresRequestMessage(t *testing.T) {
	opts := baseOptions(t, &scriptedClient{}, nil)
	_, err := ProcessRequest(context.Background(), Message{Kind: Response, Parts: []Part{{Kind: PartText, Text: "x"}}}, opts)
	if err == nil {
		t.Fatal("expected an error for a non-Request user message")
	}
}

func TestProcessRequest_RejectsDepthBeyondMax(t *testing.T) {
	opts := baseOptions(t, &scriptedClient{}, nil)
	opts.Depth = maxOrchestrationDepth + 1
	_, err := ProcessRequest(context.Background(), userRequest("go"), opts)
	if err == nil {
		t.Fatal("expected a depth-exceeded error")
	}
}

func TestProcessRequest_MessageSinkObservesAppends(t *testing.T) {
	client := &scriptedClient{script: [][]NodeEvent{
		textEvents("TUNACODE DONE: done"),
	}}
	opts := baseOptions(t, client, nil)

	var seen []Message
	opts.MessageSink = func(m Message) { seen = append(seen, m) }

	if _, err := ProcessRequest(context.Background(), userRequest("go"), opts); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if len(seen) == 0 {
		t.Fatal("expected MessageSink to observe at least the final response")
	}
}

func TestProcessRequest_RecitationInjectsReminder(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name:     "Grep",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "ok"}, nil
		},
	}})
	client := &unendingToolCaller{}
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	cfg.RecitationInterval = 1

	opts := baseOptions(t, client, registry)
	opts.Config = cfg

	if _, err := ProcessRequest(context.Background(), userRequest("remember this"), opts); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	found := false
	for _, m := range opts.History.View() {
		for _, p := range m.Parts {
			if p.Kind == PartUserPrompt && p.Text != "" && containsAll(p.Text, "system-reminder", "remember this") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected a recitation reminder referencing the original query")
	}
}

func TestProcessRequest_RepeatedToolCallInjectsWarning(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name:     "Grep",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "ok"}, nil
		},
	}})
	client := &scriptedClient{script: [][]NodeEvent{
		toolCallEvents("t1", "Grep", `{"pattern":"foo"}`),
		toolCallEvents("t2", "Grep", `{"pattern":"foo"}`),
		toolCallEvents("t3", "Grep", `{"pattern":"foo"}`),
		textEvents("TUNACODE DONE: found it"),
	}}
	opts := baseOptions(t, client, registry)

	if _, err := ProcessRequest(context.Background(), userRequest("find foo repeatedly"), opts); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	found := false
	for _, m := range opts.History.View() {
		for _, p := range m.Parts {
			if p.Kind == PartUserPrompt && strings.Contains(p.Text, "repeating the same tool call") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected a repeated-tool-call warning after 3 identical calls in a row")
	}
}

func TestProcessRequest_RecitationPrefersScratchpadOverOriginalQuery(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name:     "Grep",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "ok"}, nil
		},
	}})
	client := &unendingToolCaller{}
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	cfg.RecitationInterval = 1

	opts := baseOptions(t, client, registry)
	opts.Config = cfg
	opts.Scratchpad = func() string { return "plan: check foo, then bar" }

	if _, err := ProcessRequest(context.Background(), userRequest("remember this"), opts); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	found := false
	for _, m := range opts.History.View() {
		for _, p := range m.Parts {
			if p.Kind == PartUserPrompt && containsAll(p.Text, "system-reminder", "plan: check foo, then bar") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected the recitation reminder to recite the scratchpad, not the original query")
	}
}

func TestProcessRequest_YoloModeAuthorizesAllTools(t *testing.T) {
	registry := NewStaticRegistry([]ToolSpec{{
		Name: "Edit",
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: "edited"}, nil
		},
	}})
	client := &scriptedClient{script: [][]NodeEvent{
		toolCallEvents("t1", "Edit", `{}`),
		textEvents("TUNACODE DONE: done"),
	}}
	opts := baseOptions(t, client, registry)
	opts.Session = NewSession(false, nil, false) // not yolo via session constructor
	opts.Config.YoloMode = true                  // but config turns it on

	run, err := ProcessRequest(context.Background(), userRequest("edit it"), opts)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if len(run.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(run.ToolCalls))
	}
	if run.ToolCalls[0].ResultSummary != "edited" {
		t.Errorf("got result %q, want the tool to have actually run (config.YoloMode should authorize it)", run.ToolCalls[0].ResultSummary)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
