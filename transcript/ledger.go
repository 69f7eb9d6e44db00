// Package transcript accumulates streamed planner output (text, thinking,
// tool_use declarations) into provider-ready model.Message turns and
// validates that a conversation's tool_use/tool_result pairing satisfies the
// strict alternation Bedrock-family providers require.
package transcript

import (
	"fmt"
	"sync"

	"github.com/agentrtcore/runtime/model"
)

// ThinkingPart is the workflow-boundary safe representation of a single
// provider reasoning block appended to a Ledger.
type ThinkingPart struct {
	Text      string
	Signature string
	Redacted  []byte
	Index     int
	Final     bool
}

// ToolResultSpec describes a single tool_result block to append to the
// conversation on behalf of the user role.
type ToolResultSpec struct {
	ToolUseID string
	Content   any
	IsError   bool
}

// Ledger accumulates the parts of an in-progress assistant turn (streamed
// text, thinking blocks, declared tool uses) and commits them into
// model.Message turns on FlushAssistant. It also records user-role
// tool_result turns so BuildMessages returns a complete, ordered transcript.
//
// A Ledger is not safe for concurrent use by multiple goroutines without
// external synchronization beyond what its own mutex provides for individual
// calls; callers must not interleave calls from multiple goroutines for the
// same turn.
type Ledger struct {
	mu        sync.Mutex
	pending   []model.Part
	toolUses  []model.ToolUsePart
	committed []*model.Message
}

// NewLedger returns an empty Ledger with no committed turns.
func NewLedger() *Ledger {
	return &Ledger{}
}

// FromModelMessages seeds a Ledger with previously committed messages, used
// when resuming a run whose transcript was produced by an earlier turn.
func FromModelMessages(msgs []*model.Message) *Ledger {
	l := NewLedger()
	l.committed = cloneMessages(msgs)
	return l
}

// AppendText appends a streamed text fragment to the current pending
// assistant turn. No-op for empty text.
func (l *Ledger) AppendText(text string) {
	if l == nil || text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, model.TextPart{Text: text})
}

// AppendThinking appends a reasoning block to the current pending assistant turn.
func (l *Ledger) AppendThinking(tp ThinkingPart) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, model.ThinkingPart{
		Text:      tp.Text,
		Signature: tp.Signature,
		Redacted:  tp.Redacted,
		Index:     tp.Index,
		Final:     tp.Final,
	})
}

// DeclareToolUse records a tool invocation requested by the assistant during
// the current pending turn. Declared tool uses are flushed into the assistant
// message alongside any accumulated text/thinking parts.
func (l *Ledger) DeclareToolUse(id, name string, payload any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toolUses = append(l.toolUses, model.ToolUsePart{ID: id, Name: name, Input: payload})
}

// FlushAssistant commits the pending text/thinking/tool_use parts as a single
// assistant message and resets the pending turn. No-op if nothing is pending.
func (l *Ledger) FlushAssistant() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushAssistantLocked()
}

func (l *Ledger) flushAssistantLocked() {
	if len(l.pending) == 0 && len(l.toolUses) == 0 {
		return
	}
	parts := make([]model.Part, 0, len(l.pending)+len(l.toolUses))
	parts = append(parts, l.pending...)
	for _, tu := range l.toolUses {
		parts = append(parts, tu)
	}
	l.committed = append(l.committed, &model.Message{
		Role:  model.ConversationRoleAssistant,
		Parts: parts,
	})
	l.pending = nil
	l.toolUses = nil
}

// AppendUserToolResults commits a user-role message carrying tool_result
// blocks for the given specs, preserving spec order. No-op for an empty specs.
func (l *Ledger) AppendUserToolResults(specs []ToolResultSpec) {
	if l == nil || len(specs) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]model.Part, 0, len(specs))
	for _, s := range specs {
		parts = append(parts, model.ToolResultPart{
			ToolUseID: s.ToolUseID,
			Content:   s.Content,
			IsError:   s.IsError,
		})
	}
	l.committed = append(l.committed, &model.Message{
		Role:  model.ConversationRoleUser,
		Parts: parts,
	})
}

// BuildMessages flushes any pending assistant turn and returns the full
// ordered transcript accumulated so far. The returned slice is a copy; callers
// may freely mutate it.
func (l *Ledger) BuildMessages() []*model.Message {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushAssistantLocked()
	out := make([]*model.Message, len(l.committed))
	copy(out, l.committed)
	return out
}

// ValidateBedrock checks that every tool_use block declared by an assistant
// message is resolved by a tool_result block with a matching ToolUseID in the
// immediately following user message, and vice versa. Bedrock-family
// providers reject transcripts that violate this pairing.
//
// When strict is true, a tool_use with no matching tool_result (or a
// tool_result with no matching prior tool_use) is an error. When strict is
// false, only mismatched pairs across adjacent turns are reported; a trailing
// unresolved tool_use on the final assistant message is tolerated (the turn
// may still be in flight).
func ValidateBedrock(msgs []*model.Message, strict bool) error {
	for i, msg := range msgs {
		if msg == nil || msg.Role != model.ConversationRoleAssistant {
			continue
		}
		declared := toolUseIDs(msg)
		if len(declared) == 0 {
			continue
		}
		isLast := i == len(msgs)-1
		if isLast && !strict {
			continue
		}
		if isLast {
			return fmt.Errorf("transcript: assistant message %d declares tool_use with no following tool_result", i)
		}
		next := msgs[i+1]
		if next == nil || next.Role != model.ConversationRoleUser {
			return fmt.Errorf("transcript: assistant message %d tool_use not followed by a user tool_result message", i)
		}
		resolved := toolResultIDs(next)
		for id := range declared {
			if !resolved[id] {
				return fmt.Errorf("transcript: tool_use %q has no matching tool_result in the following message", id)
			}
		}
	}
	return nil
}

func toolUseIDs(msg *model.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, p := range msg.Parts {
		if tu, ok := p.(model.ToolUsePart); ok && tu.ID != "" {
			ids[tu.ID] = true
		}
	}
	return ids
}

func toolResultIDs(msg *model.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, p := range msg.Parts {
		if tr, ok := p.(model.ToolResultPart); ok && tr.ToolUseID != "" {
			ids[tr.ToolUseID] = true
		}
	}
	return ids
}

func cloneMessages(msgs []*model.Message) []*model.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		parts := make([]model.Part, len(msg.Parts))
		copy(parts, msg.Parts)
		var meta map[string]any
		if msg.Meta != nil {
			meta = make(map[string]any, len(msg.Meta))
			for k, v := range msg.Meta {
				meta[k] = v
			}
		}
		out = append(out, &model.Message{Role: msg.Role, Parts: parts, Meta: meta})
	}
	return out
}
