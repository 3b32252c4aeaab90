package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, specs ...ToolSpec) ToolRegistry {
	t.Helper()
	return NewStaticRegistry(specs)
}

func echoTool(name string, readOnly bool) ToolSpec {
	return ToolSpec{
		Name:     name,
		ReadOnly: readOnly,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return ToolResult{OK: string(args)}, nil
		},
	}
}

func TestDispatcher_ReadOnlyCallsBufferUntilFlush(t *testing.T) {
	registry := newTestRegistry(t, echoTool("Grep", true))
	session := NewSession(false, nil, true)
	d := NewDispatcher(registry, session, nil, DefaultConfig())

	out := d.Enqueue(context.Background(), "Grep", json.RawMessage(`"a"`), "t1")
	if out != nil {
		t.Fatalf("expected read-only call to buffer, got immediate result %v", out)
	}

	resolved := d.Flush(context.Background())
	if len(resolved) != 1 {
		t.Fatalf("got %d resolved parts, want 1", len(resolved))
	}
	if resolved[0].ToolCallID != "t1" {
		t.Errorf("got id %q, want t1", resolved[0].ToolCallID)
	}
}

func TestDispatcher_WriteCallFlushesBufferFirstInOrder(t *testing.T) {
	registry := newTestRegistry(t, echoTool("Grep", true), echoTool("Edit", false))
	session := NewSession(false, nil, true)
	d := NewDispatcher(registry, session, nil, DefaultConfig())

	if out := d.Enqueue(context.Background(), "Grep", json.RawMessage(`"a"`), "t1"); out != nil {
		t.Fatalf("expected buffering, got %v", out)
	}
	out := d.Enqueue(context.Background(), "Edit", json.RawMessage(`"b"`), "t2")

	if len(out) != 2 {
		t.Fatalf("got %d parts, want 2 (flushed read-only + the write call)", len(out))
	}
	if out[0].ToolCallID != "t1" || out[1].ToolCallID != "t2" {
		t.Fatalf("got order %q, %q; want t1 then t2", out[0].ToolCallID, out[1].ToolCallID)
	}
}

func TestDispatcher_UnknownToolBecomesRetryPrompt(t *testing.T) {
	registry := newTestRegistry(t)
	session := NewSession(false, nil, true)
	d := NewDispatcher(registry, session, nil, DefaultConfig())

	out := d.Enqueue(context.Background(), "Nonexistent", json.RawMessage(`{}`), "t1")
	if len(out) != 1 {
		t.Fatalf("got %d parts, want 1", len(out))
	}
	if out[0].Kind != PartRetryPrompt {
		t.Fatalf("got kind %v, want PartRetryPrompt", out[0].Kind)
	}
}

func TestDispatcher_UnauthorizedToolBecomesRetryPrompt(t *testing.T) {
	registry := newTestRegistry(t, echoTool("Edit", false))
	session := NewSession(false, map[string]struct{}{}, false) // not yolo, nothing allowed
	d := NewDispatcher(registry, session, nil, DefaultConfig())

	out := d.Enqueue(context.Background(), "Edit", json.RawMessage(`{}`), "t1")
	if len(out) != 1 || out[0].Kind != PartRetryPrompt {
		t.Fatalf("got %v, want a single retry-prompt part", out)
	}
	if out[0].Reason != "tool not authorized" {
		t.Errorf("got reason %q, want %q", out[0].Reason, "tool not authorized")
	}
}

func TestDispatcher_BatchRunsConcurrentlyButPreservesOrder(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	slow := ToolSpec{
		Name:     "Slow",
		ReadOnly: true,
		Invoke: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			n := atomic.AddInt32(&inFlight, 1)
			mu.Lock()
			if n > maxInFlight {
				maxInFlight = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			defer atomic.AddInt32(&inFlight, -1)
			return ToolResult{OK: string(args)}, nil
		},
	}

	registry := newTestRegistry(t, slow)
	session := NewSession(false, nil, true)
	cfg := DefaultConfig()
	cfg.MaxParallelTools = 4
	d := NewDispatcher(registry, session, nil, cfg)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("t%d", i)
		args := json.RawMessage(fmt.Sprintf("%q", id))
		if out := d.Enqueue(context.Background(), "Slow", args, id); out != nil {
			t.Fatalf("expected buffering, got %v", out)
		}
	}

	resolved := d.Flush(context.Background())
	if len(resolved) != 6 {
		t.Fatalf("got %d resolved, want 6", len(resolved))
	}
	for i, p := range resolved {
		wantID := fmt.Sprintf("t%d", i)
		if p.ToolCallID != wantID {
			t.Errorf("position %d: got id %q, want %q", i, p.ToolCallID, wantID)
		}
	}
	if maxInFlight < 2 {
		t.Errorf("got max in-flight %d, want at least 2 (concurrent dispatch)", maxInFlight)
	}
}

func TestDispatcher_ConfigReadOnlyToolsOverridesRegistry(t *testing.T) {
	// Registered as non-read-only, but Config.ReadOnlyTools names it anyway.
	registry := newTestRegistry(t, echoTool("Custom", false))
	session := NewSession(false, nil, true)
	cfg := DefaultConfig()
	cfg.ReadOnlyTools = []string{"Custom"}
	d := NewDispatcher(registry, session, nil, cfg)

	out := d.Enqueue(context.Background(), "Custom", json.RawMessage(`{}`), "t1")
	if out != nil {
		t.Fatalf("expected Custom to buffer as read-only per config override, got %v", out)
	}
}

func TestDispatcher_PatchOrphans(t *testing.T) {
	parts := patchOrphans([]string{"a", "b"}, "cancelled")
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	for i, p := range parts {
		if p.Kind != PartRetryPrompt {
			t.Errorf("part %d: got kind %v, want PartRetryPrompt", i, p.Kind)
		}
		if p.Reason != "cancelled" {
			t.Errorf("part %d: got reason %q, want cancelled", i, p.Reason)
		}
	}
}
