package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ToolEvent is delivered to a ToolSink as dispatch progresses.
type ToolEvent struct {
	Kind ToolEventKind

	// call_started / call_completed
	Name   string
	Args   json.RawMessage
	ID     string
	Result string

	// batch_started / batch_completed
	BatchSize  int
	BatchNames []string
	DurationMs int64
}

// ToolEventKind identifies which ToolEvent fields are populated.
type ToolEventKind int

const (
	EventCallStarted ToolEventKind = iota
	EventCallCompleted
	EventBatchStarted
	EventBatchCompleted
)

// ToolSink receives dispatch progress events. May be nil.
type ToolSink func(ToolEvent)

// pendingCall is one tool call awaiting dispatch, carrying enough context
// to append a well-formed tool-return/retry-prompt part once resolved.
type pendingCall struct {
	id       string
	name     string
	args     json.RawMessage
	readOnly bool
}

// Dispatcher is the Tool Buffer + Dispatcher (C3). It holds a FIFO of
// deferred read-only calls, flushing them as a concurrent batch whenever a
// non-read-only call is seen, the iteration ends, or the loop is about to
// yield the final answer. Write/execute calls run one at a time, in source
// order, immediately.
type Dispatcher struct {
	registry ToolRegistry
	session  *Session
	sink     ToolSink
	config   Config

	buffer []pendingCall
}

// NewDispatcher creates a Dispatcher bound to a tool registry, the current
// request's session (for authorization and tool-call bookkeeping), and an
// optional progress sink.
func NewDispatcher(registry ToolRegistry, session *Session, sink ToolSink, cfg Config) *Dispatcher {
	return &Dispatcher{registry: registry, session: session, sink: sink, config: cfg}
}

// Enqueue classifies a tool call as read-only or not and either buffers it
// (read-only, accumulating with prior read-only calls) or flushes the
// current buffer and dispatches it immediately, sequentially (write/
// execute). Returns the resolved parts so far, in emission order: any
// parts produced by an immediate write/execute dispatch or by a flush this
// call triggered.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, args json.RawMessage, id string) []Part {
	spec, known := d.registry.Lookup(name)
	_, configReadOnly := d.config.readOnlySet()[name]
	readOnly := known && (spec.ReadOnly || configReadOnly)

	if readOnly {
		d.buffer = append(d.buffer, pendingCall{id: id, name: name, args: args, readOnly: true})
		return nil
	}

	// A write/execute call: flush any buffered read-only batch first so
	// result order mirrors the model's emission order.
	var out []Part
	out = append(out, d.Flush(ctx)...)
	out = append(out, d.dispatchOne(ctx, pendingCall{id: id, name: name, args: args, readOnly: false}))
	return out
}

// Flush dispatches any buffered read-only calls as a single concurrent
// batch and returns their resolved parts, in dispatch order. No-op if the
// buffer is empty.
func (d *Dispatcher) Flush(ctx context.Context) []Part {
	if len(d.buffer) == 0 {
		return nil
	}
	batch := d.buffer
	d.buffer = nil
	return d.dispatchBatch(ctx, batch)
}

// dispatchBatch runs a read-only batch with bounded concurrency, preserving
// result order: results are written into a pre-sized slice at each call's
// own index, so the returned order always matches dispatch order regardless
// of completion order.
func (d *Dispatcher) dispatchBatch(ctx context.Context, batch []pendingCall) []Part {
	names := make([]string, len(batch))
	for i, c := range batch {
		names[i] = c.name
	}
	d.emit(ToolEvent{Kind: EventBatchStarted, BatchSize: len(batch), BatchNames: names})
	start := time.Now()

	results := make([]Part, len(batch))

	maxParallel := d.config.MaxParallelTools
	if maxParallel <= 0 {
		maxParallel = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for i, call := range batch {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.resolveCall(gctx, ctx, call)
			return nil
		})
	}
	_ = g.Wait() // resolveCall never returns an error; failures become retry-prompt parts

	d.emit(ToolEvent{
		Kind:       EventBatchCompleted,
		BatchSize:  len(batch),
		DurationMs: time.Since(start).Milliseconds(),
	})
	return results
}

// dispatchOne executes a single write/execute call immediately and
// synchronously, preserving source order relative to any prior flush.
func (d *Dispatcher) dispatchOne(ctx context.Context, call pendingCall) Part {
	return d.resolveCall(ctx, ctx, call)
}

// resolveCall authorizes, invokes, and converts the outcome of a single
// call into a tool-return or retry-prompt Part. batchCtx is the (possibly
// bounded-concurrency) context the call actually runs under; requestCtx is
// the overarching request context used solely to check for cancellation
// before dispatch.
func (d *Dispatcher) resolveCall(batchCtx, requestCtx context.Context, call pendingCall) Part {
	d.emit(ToolEvent{Kind: EventCallStarted, Name: call.name, Args: call.args, ID: call.id})
	idx := d.session.RecordToolCall(call.name, string(call.args))

	part := d.invokeAuthorized(batchCtx, requestCtx, call)

	summary := part.Content
	if part.Kind == PartRetryPrompt {
		summary = "retry: " + part.Reason
	}
	d.session.RecordToolResult(idx, summary)
	d.emit(ToolEvent{Kind: EventCallCompleted, ID: call.id, Result: summary})
	return part
}

func (d *Dispatcher) invokeAuthorized(batchCtx, requestCtx context.Context, call pendingCall) Part {
	if d.session.Cancelled() {
		return retryPart(call.id, "cancelled")
	}
	if requestCtx.Err() != nil {
		return retryPart(call.id, "cancelled")
	}

	spec, known := d.registry.Lookup(call.name)
	if !known {
		return retryPart(call.id, "unknown tool")
	}

	if !d.authorized(call.name) {
		return retryPart(call.id, "tool not authorized")
	}

	invokeCtx := batchCtx
	var cancel context.CancelFunc
	if spec.Timeout != nil {
		if secs := spec.Timeout(); secs > 0 {
			invokeCtx, cancel = context.WithTimeout(batchCtx, time.Duration(secs)*time.Second)
			defer cancel()
		}
	}

	result, err := spec.Invoke(invokeCtx, call.args)
	if err != nil {
		if invokeCtx.Err() != nil {
			if d.session.Cancelled() {
				return retryPart(call.id, "cancelled")
			}
			return retryPart(call.id, fmt.Sprintf("timeout after %s", describeTimeout(spec)))
		}
		log.Warn().Str("tool", call.name).Err(err).Msg("dispatcher: tool invocation failed")
		return retryPart(call.id, err.Error())
	}

	if !result.Succeeded() {
		return retryPart(call.id, result.Retry)
	}
	return Part{Kind: PartToolReturn, ToolCallID: call.id, Content: result.OK}
}

func describeTimeout(spec ToolSpec) string {
	if spec.Timeout == nil {
		return "?"
	}
	return fmt.Sprintf("%ds", spec.Timeout())
}

func (d *Dispatcher) authorized(name string) bool {
	if d.session.Yolo {
		return true
	}
	_, ok := d.session.AllowedTools[name]
	return ok
}

func retryPart(id, reason string) Part {
	return Part{Kind: PartRetryPrompt, ToolCallID: id, Reason: reason}
}

func (d *Dispatcher) emit(evt ToolEvent) {
	if d.sink != nil {
		d.sink(evt)
	}
}

// patchOrphans appends a retry-prompt for every id in ids, using reason as
// the retry text. Used by error paths to resolve every outstanding
// tool-call before surfacing a stream or schema error to the caller.
func patchOrphans(ids []string, reason string) []Part {
	parts := make([]Part, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, retryPart(id, reason))
	}
	return parts
}
