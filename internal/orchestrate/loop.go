package orchestrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// extendIterationsBy is the small constant by which the limit-reached
// branch extends max_iterations.
const extendIterationsBy = 5

// maxOrchestrationDepth guards against runaway sub-agent recursion: a
// sub-agent spawned by a tool call may itself run ProcessRequest, but that
// nested run may not spawn another level below it.
const maxOrchestrationDepth = 1

// UsageSink receives accumulated token usage after each model call. May be
// nil.
type UsageSink func(inputTokens, outputTokens int)

// UsageTotals accumulates token usage across a request.
type UsageTotals struct {
	InputTokens  int
	OutputTokens int
}

// Run is the handle returned by ProcessRequest: the final text, the
// tool-call log, usage stats, and whether the output is a synthesized
// fallback.
type Run struct {
	FinalText  string
	ToolCalls  []ToolCallRecord
	Usage      UsageTotals
	Fallback   bool
	Cancelled  bool
	Iterations int
}

// Options configures one call to ProcessRequest.
type Options struct {
	History  *History
	Model    ModelClient
	ModelID  string
	Registry ToolRegistry
	Session  *Session
	Config   Config

	StreamSink  StreamSink
	ToolSink    ToolSink
	UsageSink   UsageSink
	MessageSink func(Message) // optional; called once per message appended to History

	// Scratchpad returns the agent's current working plan, if any. When set
	// and non-empty, recitation reminders recite this instead of echoing
	// OriginalQuery. Optional.
	Scratchpad func() string

	// Depth is the sub-agent recursion depth (0 = root agent).
	Depth int
}

func (o Options) notify(msg Message) {
	if o.MessageSink != nil {
		o.MessageSink(msg)
	}
}

// ProcessRequest drives the bounded reasoning loop for one user message:
// init, iterate, finalize, done, with cancel/fatal side branches.
func ProcessRequest(ctx context.Context, userMessage Message, opts Options) (*Run, error) {
	if opts.Depth > maxOrchestrationDepth {
		return nil, fmt.Errorf("orchestrate: max depth exceeded: %d > %d", opts.Depth, maxOrchestrationDepth)
	}
	if userMessage.Kind != Request {
		return nil, fmt.Errorf("orchestrate: ProcessRequest requires a Request message")
	}

	cfg := opts.Config
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	maxIterations := cfg.MaxIterations
	initialMaxIterations := maxIterations

	session := opts.Session
	session.ResetForNewRequest(firstUserPromptText(userMessage))
	if cfg.YoloMode {
		session.Yolo = true
	}
	for name := range cfg.allowedSet() {
		if session.AllowedTools == nil {
			session.AllowedTools = make(map[string]struct{})
		}
		session.AllowedTools[name] = struct{}{}
	}

	h := opts.History
	sanitizer := NewSanitizer(h)

	if err := h.Append(userMessage); err != nil {
		return nil, fmt.Errorf("orchestrate: appending initial message: %w", err)
	}

	dispatcher := NewDispatcher(opts.Registry, session, opts.ToolSink, cfg)

	run := &Run{}

	for i := 1; i <= maxIterations; i++ {
		session.StartIteration()
		run.Iterations = i

		if session.Cancelled() || ctx.Err() != nil {
			return finishCancelled(h, sanitizer, run)
		}

		outcome, err := runIteration(ctx, h, opts, session, dispatcher)
		if err != nil {
			return recoverFromError(h, sanitizer, session, opts, i, err)
		}

		if session.Cancelled() || ctx.Err() != nil {
			return finishCancelled(h, sanitizer, run)
		}

		// Step 3: empty response handling.
		if outcome.Empty {
			session.ConsecutiveEmptyResponses++
			if session.ConsecutiveEmptyResponses == 1 {
				appendCorrective(h, sanitizer, opts, correctiveText(session, outcome.EmptyReason, i))
			}
		} else {
			session.ConsecutiveEmptyResponses = 0

			// Step 4: user-response tracking.
			if outcome.HadVisibleText {
				session.ResponseState.HasUserResponse = true
			}

			// Step 5: productivity tracking.
			if outcome.HadToolCalls {
				session.UnproductiveIterations = 0
				session.LastProductiveIteration = i
				if session.RepeatedToolCall() {
					appendCorrective(h, sanitizer, opts, repeatedToolCallText())
				}
			} else {
				session.UnproductiveIterations++
				if session.UnproductiveIterations >= cfg.UnproductiveLimit && !session.ResponseState.TaskCompleted {
					appendCorrective(h, sanitizer, opts, forcedActionText(session, i))
				}
			}
		}

		// Step 6: guidance check.
		if session.ResponseState.AwaitingUserGuidance {
			appendCorrective(h, sanitizer, opts, guidanceText(session, i))
		}

		// Step 7: completion check.
		if outcome.Completed {
			session.ResponseState.TaskCompleted = true
			run.FinalText = outcome.CompletionText
			break
		}

		// Step 8: limit check. The budget is extended once, the first time
		// it is hit, to give the model a chance to wrap up after an
		// explicit nudge; a second cap hit without having completed in the
		// meantime means the extension didn't help, so the loop ends here
		// and finalize's fallback synthesis takes over rather than
		// extending forever.
		if i == maxIterations && !session.ResponseState.TaskCompleted {
			if session.ResponseState.AwaitingUserGuidance {
				break
			}
			appendCorrective(h, sanitizer, opts, limitReachedText(session, i))
			maxIterations += extendIterationsBy
			session.ResponseState.AwaitingUserGuidance = true
			continue
		}

		// Recitation: on a long run, periodically re-surface the original
		// request so it stays in the model's recent attention window. Off
		// by default (RecitationInterval == 0).
		if cfg.RecitationInterval > 0 && i%cfg.RecitationInterval == 0 {
			var scratchpad string
			if opts.Scratchpad != nil {
				scratchpad = opts.Scratchpad()
			}
			appendCorrective(h, sanitizer, opts, recitationText(session, scratchpad))
		}
	}

	return finalize(ctx, h, sanitizer, dispatcher, session, opts, run, initialMaxIterations)
}

// runIteration streams exactly one model node, feeding text to the stream
// sink and dispatching any tool calls it carries, and returns the node's
// outcome.
func runIteration(ctx context.Context, h *History, opts Options, session *Session, dispatcher *Dispatcher) (NodeOutcome, error) {
	events, err := opts.Model.Stream(ctx, h.View(), opts.ModelID)
	if err != nil {
		return NodeOutcome{}, fmt.Errorf("%w: %v", ErrModelStream, err)
	}

	adapter := NewStreamAdapter(opts.StreamSink)
	acc := newToolCallAccumulator()
	var usage UsageTotals
	var assembled strings.Builder

	for evt := range events {
		switch evt.Type {
		case NodeContentDelta:
			assembled.WriteString(evt.Content)
			adapter.Delta(evt.Content)
		case NodeToolCallBegin:
			acc.begin(evt)
		case NodeToolCallDelta:
			acc.delta(evt)
		case NodeUsage:
			usage.InputTokens = evt.InputTokens
			usage.OutputTokens = evt.OutputTokens
		case NodeError:
			return NodeOutcome{}, fmt.Errorf("%w: %v", ErrModelStream, evt.Err)
		case NodeDone:
		}
	}

	if opts.UsageSink != nil && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		opts.UsageSink(usage.InputTokens, usage.OutputTokens)
	}

	textParts, toolCallParts, err := acc.finalize(assembled.String())
	if err != nil {
		return NodeOutcome{}, fmt.Errorf("%w: %v", ErrToolBatchingSchema, err)
	}

	parts := append(textParts, toolCallParts...)
	outcome := ProcessNode(parts)

	if outcome.Empty {
		// Still record that a model turn happened, even though it carried
		// nothing usable: otherwise the corrective the loop is about to
		// inject would directly follow the user's last Request, violating
		// the no-consecutive-Request rule and getting silently dropped.
		placeholder := outcome.Response
		if placeholder.IsEmpty() {
			placeholder = Message{Kind: Response, Parts: []Part{{Kind: PartText, Text: ""}}}
		}
		if err := h.Append(placeholder); err == nil {
			opts.notify(placeholder)
		}
		return outcome, nil
	}

	if err := h.Append(outcome.Response); err != nil {
		return NodeOutcome{}, fmt.Errorf("orchestrate: appending response: %w", err)
	}
	opts.notify(outcome.Response)

	if len(toolCallParts) > 0 {
		var resolved []Part
		for _, tc := range toolCallParts {
			resolved = append(resolved, dispatcher.Enqueue(ctx, tc.ToolName, tc.Args, tc.ToolCallID)...)
		}
		resolved = append(resolved, dispatcher.Flush(ctx)...)
		if len(resolved) > 0 {
			msg := Message{Kind: Request, Parts: resolved}
			if err := h.Append(msg); err != nil {
				return NodeOutcome{}, fmt.Errorf("orchestrate: appending tool results: %w", err)
			}
			opts.notify(msg)
		}
	}

	return outcome, nil
}

// finalize flushes any remaining buffered calls, optionally synthesizes a
// fallback, and builds the Run to return.
func finalize(ctx context.Context, h *History, sanitizer *Sanitizer, dispatcher *Dispatcher, session *Session, opts Options, run *Run, initialMaxIterations int) (*Run, error) {
	if resolved := dispatcher.Flush(ctx); len(resolved) > 0 {
		msg := Message{Kind: Request, Parts: resolved}
		if err := h.Append(msg); err == nil {
			opts.notify(msg)
		}
	}

	run.ToolCalls = session.ToolCalls
	run.Usage = UsageTotals{}

	if opts.Config.FallbackEnabled && !session.ResponseState.HasUserResponse && session.Iteration >= initialMaxIterations {
		synthesizeFallback(h, sanitizer, session, opts, run)
	}

	return run, nil
}

// synthesizeFallback patches any outstanding dangling tool-calls with a
// generic success return (see DESIGN.md for why a generic return rather
// than an incomplete-marked retry), then builds and emits a synthetic
// summary.
func synthesizeFallback(h *History, sanitizer *Sanitizer, session *Session, opts Options, run *Run) {
	_, dangling := sanitizer.scanDangling()
	if len(dangling) > 0 {
		parts := make([]Part, 0, len(dangling))
		for _, id := range dangling {
			parts = append(parts, Part{Kind: PartToolReturn, ToolCallID: id, Content: "Request completed"})
		}
		msg := Message{Kind: Request, Parts: parts}
		if err := h.Append(msg); err == nil {
			opts.notify(msg)
		}
	}

	text := buildFallbackSummary(session)
	if opts.StreamSink != nil {
		opts.StreamSink(text)
	}
	run.FinalText = text
	run.Fallback = true
}

func buildFallbackSummary(session *Session) string {
	var b strings.Builder
	b.WriteString("Reached iteration limit (")
	fmt.Fprintf(&b, "%d", session.Iteration)
	b.WriteString("). ")
	if session.OriginalQuery != "" {
		b.WriteString("Original request: ")
		b.WriteString(session.OriginalQuery)
		b.WriteString(". ")
	}

	counts := session.ToolCountsByName()
	if len(counts) > 0 {
		b.WriteString("Tools used: ")
		first := true
		for name, n := range counts {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s×%d", name, n)
		}
		b.WriteString(". ")
	}

	b.WriteString("Outcome: incomplete. Next steps: review the tool output above, narrow the request, or ask for a shorter task.")
	return b.String()
}

// finishCancelled runs the sanitizer to restore a well-formed history and
// returns a Run marked cancelled.
func finishCancelled(h *History, sanitizer *Sanitizer, run *Run) (*Run, error) {
	if _, _, err := sanitizer.Run(); err != nil {
		log.Error().Err(err).Msg("orchestrate: sanitizer failed while handling cancellation")
	}
	run.Cancelled = true
	return run, nil
}

// recoverFromError patches any tool-calls left orphaned by the failed
// iteration with a short error tool-return, runs the Sanitizer for anything
// else left corrupt, then re-raises so the caller inherits a well-formed
// history.
func recoverFromError(h *History, sanitizer *Sanitizer, session *Session, opts Options, iteration int, cause error) (*Run, error) {
	if _, dangling := sanitizer.scanDangling(); len(dangling) > 0 {
		msg := Message{Kind: Request, Parts: patchOrphans(dangling, fmt.Sprintf("error: %v", cause))}
		if err := h.Append(msg); err != nil {
			log.Error().Err(err).Msg("orchestrate: failed to patch orphaned tool calls after error")
		} else {
			opts.notify(msg)
		}
	}
	if _, _, err := sanitizer.Run(); err != nil {
		log.Error().Err(err).Str("request_id", session.RequestID).Msg("orchestrate: sanitizer failed while recovering from error")
	}
	log.Error().
		Err(cause).
		Str("request_id", session.RequestID).
		Int("iteration", iteration).
		Msg("orchestrate: request failed")
	return nil, fmt.Errorf("request %s iteration %d: %w", session.RequestID, iteration, cause)
}

// appendCorrective injects a user-prompt part carrying text. If the history
// already ends in a Request (e.g. a tool-result just got appended this same
// iteration), the part is folded into that trailing Request instead of
// appended as a new message, since two Requests in a row with no
// intervening Response would violate the history's shape invariant.
func appendCorrective(h *History, sanitizer *Sanitizer, opts Options, text string) {
	part := Part{Kind: PartUserPrompt, Text: text}

	if view := h.View(); len(view) > 0 && view[len(view)-1].Kind == Request {
		last := view[len(view)-1]
		merged := Message{Kind: Request, RunID: last.RunID, Parts: append(append([]Part{}, last.Parts...), part)}
		if err := h.Replace(sanitizer.tok, len(view)-1, merged); err == nil {
			opts.notify(merged)
		}
		return
	}

	msg := Message{Kind: Request, Parts: []Part{part}}
	if err := h.Append(msg); err == nil {
		opts.notify(msg)
	}
}

func firstUserPromptText(msg Message) string {
	for _, p := range msg.Parts {
		if p.Kind == PartUserPrompt {
			return p.Text
		}
	}
	return ""
}

func correctiveText(session *Session, reason string, iteration int) string {
	return fmt.Sprintf(
		"Your last response was empty (%s). The original request was: %q. Tools used so far: %s. You are on iteration %d — please respond with either visible progress or a tool call.",
		reason, session.OriginalQuery, summarizeToolCounts(session), iteration,
	)
}

func forcedActionText(session *Session, iteration int) string {
	return fmt.Sprintf(
		"You have produced %d iterations without calling a tool or completing the task. Either invoke a tool now or reply with %q followed by a summary. (iteration %d)",
		session.UnproductiveIterations, completionMarker, iteration,
	)
}

func guidanceText(session *Session, iteration int) string {
	return fmt.Sprintf(
		"Clarification needed before continuing. Original request: %q. Tools used so far: %s. (iteration %d)",
		session.OriginalQuery, summarizeToolCounts(session), iteration,
	)
}

// recitationText prefers reciting the agent's own scratchpad (current plan
// and notes) when one is available, since that reflects progress made since
// the request started; it falls back to echoing the original request.
func recitationText(session *Session, scratchpad string) string {
	if scratchpad != "" {
		return fmt.Sprintf("<system-reminder>\n%s\n</system-reminder>", scratchpad)
	}
	return fmt.Sprintf("<system-reminder>\nThe original request: %s\n</system-reminder>", session.OriginalQuery)
}

// repeatedToolCallText warns the model it is retrying the same tool call
// with the same arguments for the 3rd consecutive time.
func repeatedToolCallText() string {
	return "WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help."
}

func limitReachedText(session *Session, iteration int) string {
	return fmt.Sprintf(
		"Iteration limit reached (%d). You may continue, summarize progress and stop, or ask the user a clarifying question.",
		iteration,
	)
}

func summarizeToolCounts(session *Session) string {
	counts := session.ToolCountsByName()
	if len(counts) == 0 {
		return "none"
	}
	var b strings.Builder
	first := true
	for name, n := range counts {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s×%d", name, n)
	}
	return b.String()
}
