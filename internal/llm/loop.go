// Package llm implements the LLM interaction loop with tool calling support.
//
// ProcessTurn is a thin adapter over internal/orchestrate: it converts the
// flat []provider.Message history and mcp.Proxy tool surface this package
// has always exposed into the orchestrate package's Message/ToolRegistry
// vocabulary, drives one orchestrate.ProcessRequest call, and converts the
// result back so callers in internal/tui and internal/subagent see no
// change in behavior.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/orchestrate"
	"github.com/xonecas/symb/internal/provider"
)

const (
	// MaxDepth is the maximum recursion depth for sub-agents.
	// Matches subagent.MaxSubAgentDepth to prevent import cycle.
	MaxDepth = 1
)

// MessageCallback is called when a complete message should be added to history.
type MessageCallback func(msg provider.Message)

// DeltaCallback is called for each streaming event (content/reasoning deltas).
type DeltaCallback func(evt provider.StreamEvent)

// ToolCallCallback is called when tool calls are about to be executed.
type ToolCallCallback func()

// UsageCallback is called with accumulated token usage after each LLM call.
type UsageCallback func(inputTokens, outputTokens int)

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// ProcessTurnOptions holds configuration for processing a turn.
type ProcessTurnOptions struct {
	Provider      provider.Provider
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	History       []provider.Message
	OnMessage     MessageCallback
	OnDelta       DeltaCallback    // Optional: called for each stream event
	OnToolCall    ToolCallCallback // Optional: called before executing tool calls
	OnUsage       UsageCallback    // Optional: called with token usage after each LLM call
	Scratchpad    ScratchpadReader // Optional: agent plan injected at context tail
	MaxToolRounds int
	Depth         int // Recursion depth (0=root agent, 1=sub-agent)
}

// orchestrateConfig derives the core's bounded-loop configuration from the
// round budget this package has always accepted.
func orchestrateConfig(maxToolRounds int) orchestrate.Config {
	cfg := orchestrate.DefaultConfig()
	if maxToolRounds > 0 {
		cfg.MaxIterations = maxToolRounds
	}
	cfg.FallbackEnabled = true
	cfg.YoloMode = true // the MCP proxy already enforces its own tool allowlist
	cfg.RecitationInterval = reminderInterval
	return cfg
}

// ProcessTurn handles one conversation turn, which may involve tool calls.
// It streams events via OnDelta and emits complete messages via OnMessage.
func ProcessTurn(ctx context.Context, opts ProcessTurnOptions) error {
	if opts.Depth > MaxDepth {
		return fmt.Errorf("max sub-agent depth exceeded: %d > %d", opts.Depth, MaxDepth)
	}
	if opts.MaxToolRounds == 0 {
		opts.MaxToolRounds = 60
	}
	if len(opts.History) == 0 {
		return fmt.Errorf("llm: ProcessTurn requires a non-empty history ending in a user message")
	}

	providerTools := make([]provider.Tool, len(opts.Tools))
	for i, t := range opts.Tools {
		providerTools[i] = provider.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
	}

	msgs := toOrchestrateHistory(opts.History)
	last := msgs[len(msgs)-1]
	if last.Kind != orchestrate.Request {
		return fmt.Errorf("llm: ProcessTurn requires the last history message to be from the user")
	}

	h := orchestrate.NewHistory()
	for _, m := range msgs[:len(msgs)-1] {
		if err := h.Append(m); err != nil {
			return fmt.Errorf("llm: seeding history: %w", err)
		}
	}

	session := orchestrate.NewSession(false, nil, true)
	lastToolRoundSeen := -1

	registry := buildToolRegistry(opts.Proxy, opts.Tools)

	result, err := orchestrate.ProcessRequest(ctx, last, orchestrate.Options{
		History:  h,
		Model:    newModelClient(opts.Provider, providerTools, opts.OnDelta),
		Registry: registry,
		Session:  session,
		Config:   orchestrateConfig(opts.MaxToolRounds),

		StreamSink: func(text string) {
			if opts.OnDelta != nil {
				opts.OnDelta(provider.StreamEvent{Type: provider.EventContentDelta, Content: text})
			}
		},
		ToolSink: func(evt orchestrate.ToolEvent) {
			if opts.OnToolCall == nil {
				return
			}
			if evt.Kind != orchestrate.EventCallStarted && evt.Kind != orchestrate.EventBatchStarted {
				return
			}
			if session.Iteration == lastToolRoundSeen {
				return
			}
			lastToolRoundSeen = session.Iteration
			opts.OnToolCall()
		},
		UsageSink: func(inputTokens, outputTokens int) {
			if opts.OnUsage != nil {
				opts.OnUsage(inputTokens, outputTokens)
			}
		},
		MessageSink: func(msg orchestrate.Message) {
			if opts.OnMessage == nil {
				return
			}
			for _, pm := range fromOrchestrateMessage(msg) {
				opts.OnMessage(pm)
			}
		},
		Scratchpad: func() string {
			if opts.Scratchpad == nil {
				return ""
			}
			return opts.Scratchpad.Content()
		},

		Depth: opts.Depth,
	})
	if err != nil {
		return fmt.Errorf("orchestrate request failed: %w", err)
	}

	_ = result
	return nil
}

// toOrchestrateHistory converts a flat provider.Message transcript into the
// Request/Response message shape orchestrate.History expects, folding
// consecutive non-assistant messages (system/user/tool) into a single
// Request the way one iteration's resolved tool-return batch naturally
// arrives.
func toOrchestrateHistory(msgs []provider.Message) []orchestrate.Message {
	var out []orchestrate.Message
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Role == "assistant" {
			out = append(out, orchestrate.Message{Kind: orchestrate.Response, Parts: assistantParts(m)})
			i++
			continue
		}
		var parts []orchestrate.Part
		for i < len(msgs) && msgs[i].Role != "assistant" {
			parts = append(parts, requestPartsFor(msgs[i])...)
			i++
		}
		out = append(out, orchestrate.Message{Kind: orchestrate.Request, Parts: parts})
	}
	return out
}

func assistantParts(m provider.Message) []orchestrate.Part {
	var parts []orchestrate.Part
	if m.Content != "" {
		parts = append(parts, orchestrate.Part{Kind: orchestrate.PartText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		parts = append(parts, orchestrate.Part{
			Kind:       orchestrate.PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Args:       tc.Arguments,
		})
	}
	return parts
}

func requestPartsFor(m provider.Message) []orchestrate.Part {
	switch m.Role {
	case "system":
		return []orchestrate.Part{{Kind: orchestrate.PartSystemPrompt, Text: m.Content}}
	case "tool":
		return []orchestrate.Part{{Kind: orchestrate.PartToolReturn, ToolCallID: m.ToolCallID, Content: m.Content}}
	default: // "user" and anything else we don't specially recognize
		return []orchestrate.Part{{Kind: orchestrate.PartUserPrompt, Text: m.Content}}
	}
}

// fromOrchestrateMessage explodes one orchestrate.Message back into the
// provider.Message shape OnMessage callers expect: one message per part,
// except a Response's text and tool calls, which collapse back into a
// single assistant message exactly as the model produced them.
func fromOrchestrateMessage(msg orchestrate.Message) []provider.Message {
	now := time.Now()
	if msg.Kind == orchestrate.Response {
		var content string
		var calls []provider.ToolCall
		for _, p := range msg.Parts {
			switch p.Kind {
			case orchestrate.PartText:
				content += p.Text
			case orchestrate.PartToolCall:
				calls = append(calls, provider.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.Args})
			}
		}
		return []provider.Message{{Role: "assistant", Content: content, ToolCalls: calls, CreatedAt: now}}
	}

	var out []provider.Message
	for _, p := range msg.Parts {
		switch p.Kind {
		case orchestrate.PartSystemPrompt:
			out = append(out, provider.Message{Role: "system", Content: p.Text, CreatedAt: now})
		case orchestrate.PartUserPrompt:
			out = append(out, provider.Message{Role: "user", Content: p.Text, CreatedAt: now})
		case orchestrate.PartToolReturn:
			out = append(out, provider.Message{Role: "tool", Content: p.Content, ToolCallID: p.ToolCallID, CreatedAt: now})
		case orchestrate.PartRetryPrompt:
			out = append(out, provider.Message{Role: "tool", Content: p.Reason, ToolCallID: p.ToolCallID, CreatedAt: now})
		}
	}
	return out
}

// newModelClient wraps a provider.Provider as an orchestrate.ModelClient.
// Every raw provider.StreamEvent is still forwarded to onRawDelta exactly as
// before for events the core doesn't model itself (reasoning deltas);
// content and tool-call events are converted into orchestrate.NodeEvent for
// the core's own stream adapter and accumulator to consume.
func newModelClient(p provider.Provider, tools []provider.Tool, onRawDelta DeltaCallback) orchestrate.ModelClient {
	return orchestrate.ModelClientFunc(func(ctx context.Context, history []orchestrate.Message, modelID string) (<-chan orchestrate.NodeEvent, error) {
		stream, err := p.ChatStream(ctx, toProviderMessages(history), tools)
		if err != nil {
			return nil, err
		}

		out := make(chan orchestrate.NodeEvent)
		go func() {
			defer close(out)
			for evt := range stream {
				if evt.Type == provider.EventReasoningDelta && onRawDelta != nil {
					onRawDelta(evt)
				}
				if converted, ok := toNodeEvent(evt); ok {
					out <- converted
				}
			}
		}()
		return out, nil
	})
}

func toNodeEvent(evt provider.StreamEvent) (orchestrate.NodeEvent, bool) {
	switch evt.Type {
	case provider.EventContentDelta:
		return orchestrate.NodeEvent{Type: orchestrate.NodeContentDelta, Content: evt.Content}, true
	case provider.EventToolCallBegin:
		return orchestrate.NodeEvent{
			Type:          orchestrate.NodeToolCallBegin,
			ToolCallIndex: evt.ToolCallIndex,
			ToolCallID:    evt.ToolCallID,
			ToolCallName:  evt.ToolCallName,
		}, true
	case provider.EventToolCallDelta:
		return orchestrate.NodeEvent{
			Type:          orchestrate.NodeToolCallDelta,
			ToolCallIndex: evt.ToolCallIndex,
			ToolCallArgs:  evt.ToolCallArgs,
		}, true
	case provider.EventUsage:
		return orchestrate.NodeEvent{Type: orchestrate.NodeUsage, InputTokens: evt.InputTokens, OutputTokens: evt.OutputTokens}, true
	case provider.EventError:
		return orchestrate.NodeEvent{Type: orchestrate.NodeError, Err: evt.Err}, true
	case provider.EventDone:
		return orchestrate.NodeEvent{Type: orchestrate.NodeDone}, true
	default:
		return orchestrate.NodeEvent{}, false
	}
}

// toProviderMessages flattens an orchestrate history back into the
// []provider.Message shape a Provider's ChatStream expects.
func toProviderMessages(history []orchestrate.Message) []provider.Message {
	var out []provider.Message
	for _, m := range history {
		out = append(out, fromOrchestrateMessage(m)...)
	}
	return out
}

// buildToolRegistry adapts the MCP proxy's tool surface into an
// orchestrate.ToolRegistry, classifying read-only tools so the Dispatcher
// can batch them concurrently.
func buildToolRegistry(proxy *mcp.Proxy, tools []mcp.Tool) orchestrate.ToolRegistry {
	specs := make([]orchestrate.ToolSpec, 0, len(tools))
	for _, t := range tools {
		t := t
		specs = append(specs, orchestrate.ToolSpec{
			Name:     t.Name,
			ReadOnly: mcptools.ReadOnly(t.Name),
			Invoke: func(ctx context.Context, args json.RawMessage) (orchestrate.ToolResult, error) {
				result, err := proxy.CallTool(ctx, t.Name, args)
				if err != nil {
					return orchestrate.ToolResult{}, err
				}
				text := extractTextFromContent(result.Content)
				if result.IsError {
					return orchestrate.ToolResult{Retry: text}, nil
				}
				return orchestrate.ToolResult{OK: text}, nil
			},
		})
	}
	return orchestrate.NewStaticRegistry(specs)
}

// reminderInterval is the number of tool-calling rounds between synthetic
// goal reminders fed to orchestrate.Config.RecitationInterval.
const reminderInterval = 10

// extractTextFromContent extracts text from MCP content blocks.
func extractTextFromContent(content []mcp.ContentBlock) string {
	var text string
	for _, block := range content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
