package agent

import (
	"log/slog"

	"github.com/thebenlamm/nanobot/internal/providers"
	"github.com/thebenlamm/nanobot/internal/sessions"
)

const missingToolResult = "[tool result unavailable: history was truncated]"

// buildMessages prepends the system prompt to the stored conversation and
// repairs tool-call pairing so the provider never sees an orphaned result.
func (l *Loop) buildMessages(id sessions.ChannelIdentity) []providers.Message {
	history := repairToolPairing(l.sessions.Messages(id))
	msgs := make([]providers.Message, 0, len(history)+1)
	if l.systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: l.systemPrompt})
	}
	return append(msgs, history...)
}

// repairToolPairing makes every tool message answer a call from the
// assistant turn right before it, and gives every call an answer.
// Stored turns are left alone; only the outgoing copy changes.
func repairToolPairing(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch {
		case msg.Role == "tool":
			slog.Warn("dropping orphaned tool result", "tool_call_id", msg.ToolCallID)
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			out = append(out, msg)
			pending := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				if pending[msgs[i].ToolCallID] {
					out = append(out, msgs[i])
					delete(pending, msgs[i].ToolCallID)
				}
			}
			// keep call order for the synthesized answers
			for _, tc := range msg.ToolCalls {
				if pending[tc.ID] {
					out = append(out, providers.Message{Role: "tool", ToolCallID: tc.ID, Name: tc.Name, Content: missingToolResult})
				}
			}
		default:
			out = append(out, msg)
		}
	}
	return out
}
