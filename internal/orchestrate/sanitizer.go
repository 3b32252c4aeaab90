package orchestrate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// maxSanitizePasses bounds the iterative repair loop.
const maxSanitizePasses = 10

// ErrPathologicalHistory is returned when the Sanitizer still finds changes
// to make after maxSanitizePasses passes.
var ErrPathologicalHistory = errors.New("orchestrate: history did not stabilize within pass cap")

// Sanitizer repairs corrupt histories caused by abort, partial streaming, or
// session resume (C2). It is the only component besides History itself that
// may mutate already-appended messages, via the token minted for its bound
// History.
type Sanitizer struct {
	h   *History
	tok sanitizerToken
}

// NewSanitizer binds a Sanitizer to h, claiming h's mutation token. Call
// once per History; the Orchestration Loop owns the resulting Sanitizer for
// the lifetime of the request.
func NewSanitizer(h *History) *Sanitizer {
	return &Sanitizer{h: h, tok: h.Token()}
}

// Run repeatedly applies dangling-call repair, empty-response removal, and
// consecutive-Request collapse until a pass makes no change or the pass cap
// is reached. Returns whether any change occurred across all passes and the
// tool-call ids that dangling-call repair removed. If the pass cap is hit,
// it instead returns the ids still dangling at that point together with
// ErrPathologicalHistory.
func (s *Sanitizer) Run() (anyChange bool, finalDangling []string, err error) {
	for pass := 0; pass < maxSanitizePasses; pass++ {
		changed, dangling := s.onePass()
		if changed {
			anyChange = true
		}
		if !changed {
			return anyChange, finalDangling, nil
		}
		finalDangling = append(finalDangling, dangling...)
	}

	// One more scan purely to report what's still dangling, without
	// attempting further mutation.
	_, dangling := s.scanDangling()
	log.Error().
		Int("pass_cap", maxSanitizePasses).
		Int("dangling", len(dangling)).
		Msg("sanitizer: history did not stabilize")
	return anyChange, dangling, fmt.Errorf("%w", ErrPathologicalHistory)
}

// onePass applies the three repair steps in order and reports whether any
// of them changed the history.
func (s *Sanitizer) onePass() (changed bool, dangling []string) {
	c1, dangling := s.repairDangling()
	c2 := s.removeEmptyResponses()
	c3 := s.collapseConsecutiveRequests()
	return c1 || c2 || c3, dangling
}

// scanDangling reports dangling tool-call ids without mutating anything.
func (s *Sanitizer) scanDangling() (bool, []string) {
	msgs := s.h.View()
	returned := make(map[string]struct{})
	for _, m := range msgs {
		if m.Kind != Request {
			continue
		}
		for _, id := range m.returnedIDs() {
			returned[id] = struct{}{}
		}
	}
	var dangling []string
	for i, m := range msgs {
		if m.Kind != Response {
			continue
		}
		for _, p := range m.Parts {
			if p.Kind != PartToolCall {
				continue
			}
			if _, ok := returned[p.ToolCallID]; ok {
				continue
			}
			// Only dangling if no later Request returns it.
			if !returnedLater(msgs, i, p.ToolCallID) {
				dangling = append(dangling, p.ToolCallID)
			}
		}
	}
	return len(dangling) > 0, dangling
}

func returnedLater(msgs []Message, fromIndex int, id string) bool {
	for i := fromIndex + 1; i < len(msgs); i++ {
		if msgs[i].Kind != Request {
			continue
		}
		for _, rid := range msgs[i].returnedIDs() {
			if rid == id {
				return true
			}
		}
	}
	return false
}

// repairDangling scans Responses for tool-call ids with no matching
// return/retry in any later Request, and removes every part carrying that
// id across all messages.
func (s *Sanitizer) repairDangling() (changed bool, dangling []string) {
	msgs := s.h.View()

	danglingIDs := make(map[string]struct{})
	for i, m := range msgs {
		if m.Kind != Response {
			continue
		}
		for _, p := range m.Parts {
			if p.Kind != PartToolCall {
				continue
			}
			if !returnedLater(msgs, i, p.ToolCallID) {
				danglingIDs[p.ToolCallID] = struct{}{}
			}
		}
	}
	if len(danglingIDs) == 0 {
		return false, nil
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		newParts := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.ToolCallID != "" {
				if _, dead := danglingIDs[p.ToolCallID]; dead {
					continue
				}
			}
			newParts = append(newParts, p)
		}
		m.Parts = newParts
		out = append(out, m)
	}

	if err := s.h.replaceAll(s.tok, out); err != nil {
		log.Error().Err(err).Msg("sanitizer: replaceAll failed during dangling repair")
		return false, nil
	}

	for id := range danglingIDs {
		dangling = append(dangling, id)
	}
	log.Warn().Int("count", len(dangling)).Msg("sanitizer: removed dangling tool calls")
	return true, dangling
}

// removeEmptyResponses drops any Response with zero parts.
func (s *Sanitizer) removeEmptyResponses() bool {
	msgs := s.h.View()
	out := make([]Message, 0, len(msgs))
	changed := false
	for _, m := range msgs {
		if m.Kind == Response && m.IsEmpty() {
			changed = true
			continue
		}
		out = append(out, m)
	}
	if !changed {
		return false
	}
	if err := s.h.replaceAll(s.tok, out); err != nil {
		log.Error().Err(err).Msg("sanitizer: replaceAll failed during empty-response removal")
		return false
	}
	return true
}

// collapseConsecutiveRequests keeps only the last of any run of Requests
// with no intervening Response.
func (s *Sanitizer) collapseConsecutiveRequests() bool {
	msgs := s.h.View()
	out := make([]Message, 0, len(msgs))
	changed := false
	for i, m := range msgs {
		if m.Kind == Request && i+1 < len(msgs) && msgs[i+1].Kind == Request {
			changed = true
			continue
		}
		out = append(out, m)
	}
	if !changed {
		return false
	}
	if err := s.h.replaceAll(s.tok, out); err != nil {
		log.Error().Err(err).Msg("sanitizer: replaceAll failed during request collapse")
		return false
	}
	return true
}

// SanitizeForResume clears the run id and strips system-prompt parts from
// history (a resumed session should not replay the prior system prompt),
// then drops any resulting empty messages. It returns a new slice without
// mutating history.
func SanitizeForResume(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		m.RunID = ""
		if m.Kind == Request {
			newParts := make([]Part, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Kind == PartSystemPrompt {
					continue
				}
				newParts = append(newParts, p)
			}
			m.Parts = newParts
		}
		if m.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}
