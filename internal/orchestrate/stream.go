package orchestrate

import "strings"

// NodeEventType identifies the kind of a normalized stream event consumed
// by the Node Processor. This is the core's own vocabulary so it is not
// coupled to any one model-client implementation.
type NodeEventType int

const (
	NodeContentDelta NodeEventType = iota
	NodeToolCallBegin
	NodeToolCallDelta
	NodeUsage
	NodeDone
	NodeError
)

// NodeEvent is one event in a model iteration's stream.
type NodeEvent struct {
	Type NodeEventType

	Content string // NodeContentDelta

	ToolCallIndex int    // NodeToolCallBegin / NodeToolCallDelta
	ToolCallID    string // NodeToolCallBegin
	ToolCallName  string // NodeToolCallBegin
	ToolCallArgs  string // NodeToolCallDelta

	InputTokens  int // NodeUsage
	OutputTokens int // NodeUsage

	Err error // NodeError
}

// StreamSink receives normalized text in emission order. May be nil.
type StreamSink func(textDelta string)

// StreamAdapter normalizes a raw NodeEvent stream into text forwarded to a
// StreamSink, performing a one-shot prefix alignment against any text
// captured before the first delta arrived. One StreamAdapter is used per
// model iteration.
//
// Some providers deliver a few characters of a response out-of-band (e.g.
// as part of a tool-call preamble or a partial result snapshot) before the
// delta stream proper begins. The seed recovers whatever of that captured
// text the first delta does not already repeat: nothing is seeded if the
// delta starts at the beginning of the captured text or is itself a
// leading fragment of it; the unresumed head is seeded if the delta picks up
// partway through the captured text; and the captured text is seeded in
// full if the delta shares no overlap with it at all. In every case the
// seed is a prefix of the captured text, so seeding never duplicates or
// reorders content.
type StreamAdapter struct {
	sink  StreamSink
	pre   strings.Builder
	began bool
}

// NewStreamAdapter creates a StreamAdapter that forwards normalized text to
// sink (which may be nil, in which case deltas are simply dropped).
func NewStreamAdapter(sink StreamSink) *StreamAdapter {
	return &StreamAdapter{sink: sink}
}

// CapturePreDelta records text delivered out-of-band (PartStart content or
// a FinalResult seen before the first delta). Call this zero or more times
// before the first Delta call in a stream.
func (a *StreamAdapter) CapturePreDelta(text string) {
	if !a.began {
		a.pre.WriteString(text)
	}
}

// Delta forwards one content delta, performing the one-shot prefix seed on
// the first call; every later call in the same stream passes through
// unchanged.
func (a *StreamAdapter) Delta(text string) {
	if text == "" {
		return
	}
	if a.began {
		a.emit(text)
		return
	}
	a.began = true

	if seed := seedPrefix(a.pre.String(), text); seed != "" {
		a.emit(seed)
	}
	a.emit(text)
}

// seedPrefix computes the one-shot prefix alignment for a single pre-delta
// string P against the first delta D.
func seedPrefix(p, d string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(d, p) || strings.HasPrefix(p, d) {
		// D begins at offset 0 of P (or is itself a leading fragment of
		// P): nothing was dropped.
		return ""
	}

	// D may resume mid-string partway through P: find the longest suffix
	// of P that is a prefix of D, and seed everything before it.
	maxOverlap := len(p)
	if len(d) < maxOverlap {
		maxOverlap = len(d)
	}
	for n := maxOverlap; n > 0; n-- {
		if strings.HasSuffix(p, d[:n]) {
			return p[:len(p)-n]
		}
	}

	// No overlap at the junction. If D still occurs somewhere inside P,
	// seed the portion of P preceding it.
	if idx := strings.Index(p, d); idx > 0 {
		return p[:idx]
	}

	// D is not a substring of P at all: emit P verbatim before D.
	return p
}

func (a *StreamAdapter) emit(text string) {
	if text == "" {
		return
	}
	if a.sink != nil {
		a.sink(text)
	}
}
