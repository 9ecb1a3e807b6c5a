package llm

import (
	"strings"

	"github.com/realtime-ai/callflow/pkg/conversation"
)

// DefaultSystemPrompt keeps replies short enough to speak.
const DefaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Answer in one to three short spoken sentences. Never use lists, markdown or emoji."

// BuildRequest renders the completed turns of snap followed by the caller's
// utterance. Agent turns that were cut off are marked so the model knows the
// caller did not hear the rest.
func BuildRequest(systemPrompt string, snap conversation.Snapshot, u conversation.Utterance, maxTokens int) Request {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	turns := snap.Completed()
	msgs := make([]Message, 0, len(turns)+1)
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := RoleUser
		if t.Speaker == conversation.Agent {
			role = RoleAssistant
			if t.Interrupted {
				text += " [interrupted by caller]"
			}
		}
		msgs = appendMessage(msgs, role, text)
	}
	msgs = appendMessage(msgs, RoleUser, strings.TrimSpace(u.Text))

	return Request{SystemPrompt: systemPrompt, Messages: msgs, MaxTokens: maxTokens}
}

// appendMessage merges consecutive messages of the same role; some
// backends reject two user messages in a row.
func appendMessage(msgs []Message, role Role, text string) []Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content += "\n" + text
		return msgs
	}
	return append(msgs, Message{Role: role, Content: text})
}
