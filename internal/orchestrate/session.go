package orchestrate

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ToolCallRecord tracks one tool call made during a request, from dispatch
// through completion.
type ToolCallRecord struct {
	Name          string
	Args          string
	ResultSummary string
}

// ResponseState tracks the per-request flags the Orchestration Loop checks
// at each iteration boundary.
type ResponseState struct {
	HasUserResponse      bool
	TaskCompleted        bool
	AwaitingUserGuidance bool
}

// Session is the Session State (C7): a plain container with explicit
// lifecycle methods, single-owned by the Orchestration Loop. Other
// components receive read-only views or narrow mutation methods.
type Session struct {
	RequestID string
	Iteration int

	BatchCounter              int
	ConsecutiveEmptyResponses int
	UnproductiveIterations    int
	LastProductiveIteration   int

	ToolCalls []ToolCallRecord

	// OriginalQuery is set on the first request of a session and is
	// deliberately not cleared by ResetForNewRequest: it anchors fallback
	// summaries and corrective prompts to what the user originally asked
	// for, even many iterations and follow-up requests later. See
	// DESIGN.md for the session-boundary rationale.
	OriginalQuery string

	ResponseState ResponseState

	cancelFlag atomic.Bool

	ShowThoughts bool
	AllowedTools map[string]struct{}
	Yolo         bool
}

// NewSession creates a Session with the given tool authorization policy.
func NewSession(showThoughts bool, allowedTools map[string]struct{}, yolo bool) *Session {
	if allowedTools == nil {
		allowedTools = map[string]struct{}{}
	}
	return &Session{
		ShowThoughts: showThoughts,
		AllowedTools: allowedTools,
		Yolo:         yolo,
	}
}

// ResetForNewRequest clears every per-request counter and flag and assigns
// a fresh diagnostic request id. It does NOT clear OriginalQuery if already
// set; see DESIGN.md.
func (s *Session) ResetForNewRequest(firstUserText string) {
	s.RequestID = newRequestID()
	s.Iteration = 0
	s.BatchCounter = 0
	s.ConsecutiveEmptyResponses = 0
	s.UnproductiveIterations = 0
	s.LastProductiveIteration = 0
	s.ToolCalls = nil
	s.ResponseState = ResponseState{}
	s.cancelFlag.Store(false)

	if s.OriginalQuery == "" {
		s.OriginalQuery = firstUserText
	}
}

// StartIteration advances the 1-based iteration counter.
func (s *Session) StartIteration() int {
	s.Iteration++
	return s.Iteration
}

// RecordToolCall appends a new in-flight tool call record at dispatch time.
// Returns the record's index so RecordToolResult can update it later.
func (s *Session) RecordToolCall(name, args string) int {
	s.ToolCalls = append(s.ToolCalls, ToolCallRecord{Name: name, Args: args})
	return len(s.ToolCalls) - 1
}

// RecordToolResult fills in the result summary for a tool call previously
// recorded via RecordToolCall.
func (s *Session) RecordToolResult(index int, summary string) {
	if index < 0 || index >= len(s.ToolCalls) {
		return
	}
	s.ToolCalls[index].ResultSummary = summary
}

// MarkCancelled sets the per-request cancel flag. Safe to call concurrently
// with reads via Cancelled.
func (s *Session) MarkCancelled() { s.cancelFlag.Store(true) }

// Cancelled reports whether MarkCancelled has been called for the current
// request.
func (s *Session) Cancelled() bool { return s.cancelFlag.Load() }

// ToolCountsByName summarizes s.ToolCalls as name -> count, for corrective
// prompts and fallback synthesis.
func (s *Session) ToolCountsByName() map[string]int {
	counts := make(map[string]int)
	for _, tc := range s.ToolCalls {
		counts[tc.Name]++
	}
	return counts
}

// RepeatedToolCall reports whether the last 3 recorded tool calls share the
// same name and arguments, a sign the model is stuck retrying the same
// action instead of making progress.
func (s *Session) RepeatedToolCall() bool {
	n := len(s.ToolCalls)
	if n < 3 {
		return false
	}
	a, b, c := s.ToolCalls[n-3], s.ToolCalls[n-2], s.ToolCalls[n-1]
	return a.Name == b.Name && b.Name == c.Name && a.Args == b.Args && b.Args == c.Args
}

// newRequestID mints a short, unique, diagnostic-only identifier.
func newRequestID() string {
	return uuid.NewString()[:8]
}
