package model

import "errors"

// TranscriptEntry represents a single ordered entry in a flattened transcript.
// Applications that persist a run's history can rebuild Messages by mapping
// each entry to a Message with the same role and parts. This helper provides
// a minimal, opinionated constructor to do that cleanly.
//
// Typical usage:
//
//	msgs := BuildMessagesFromTranscript([]TranscriptEntry{
//	    {Role: ConversationRoleSystem, Parts: []Part{TextPart{Text: sys}}},
//	    {Role: ConversationRoleUser, Parts: []Part{TextPart{Text: user}}},
//	    {Role: ConversationRoleAssistant, Parts: []Part{
//	        ThinkingPart{Text: "...", Signature: "sig"},
//	        ToolUsePart{ID: "tu1", Name: "search", Input: map[string]any{"q": "abc"}},
//	    }},
//	    {Role: ConversationRoleUser, Parts: []Part{
//	        ToolResultPart{ToolUseID: "tu1", Content: map[string]any{"items": []any{}}},
//	    }},
//	})
type TranscriptEntry struct {
	Role  ConversationRole
	Parts []Part
}

// BuildMessagesFromTranscript constructs Messages from a flat transcript.
// It preserves the provided order and parts without synthesis or normalization.
// Callers are responsible for provider-specific invariants (e.g., place
// ThinkingPart before ToolUsePart in an assistant message when tools are used).
func BuildMessagesFromTranscript(entries []TranscriptEntry) []*Message {
	if len(entries) == 0 {
		return nil
	}
	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		// Skip empty roles to keep messages meaningful.
		if e.Role == "" {
			continue
		}
		msg := &Message{
			Role:  e.Role,
			Parts: make([]Part, 0, len(e.Parts)),
			Meta:  nil,
		}
		for _, p := range e.Parts {
			// Only accept known Part implementations; marker interface ensures type safety.
			switch v := p.(type) {
			case TextPart:
				msg.Parts = append(msg.Parts, v)
			case ThinkingPart:
				msg.Parts = append(msg.Parts, v)
			case ToolUsePart:
				msg.Parts = append(msg.Parts, v)
			case ToolResultPart:
				msg.Parts = append(msg.Parts, v)
			default:
				// Ignore unknown parts; prefer explicitness.
				continue
			}
		}
		if len(msg.Parts) == 0 {
			continue
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ValidateBedrock verifies the Bedrock-specific constraints on a message
// history when thinking is enabled: any assistant message that contains a
// ToolUsePart must start with a ThinkingPart, and the immediately following
// message must be a user message whose ToolResultPart IDs are a subset of
// the assistant message's ToolUsePart IDs.
func ValidateBedrock(messages []*Message, thinkingEnabled bool) error {
	for i, m := range messages {
		if m == nil || m.Role != ConversationRoleAssistant {
			continue
		}
		hasToolUse := false
		for _, p := range m.Parts {
			if _, ok := p.(ToolUsePart); ok {
				hasToolUse = true
				break
			}
		}
		if !hasToolUse {
			continue
		}
		if len(m.Parts) == 0 {
			return errors.New("bedrock: assistant message is empty where tool_use present")
		}
		if thinkingEnabled {
			if _, ok := m.Parts[0].(ThinkingPart); !ok {
				return errors.New("bedrock: assistant message with tool_use must start with thinking")
			}
		}
		if i+1 >= len(messages) || messages[i+1] == nil || messages[i+1].Role != ConversationRoleUser {
			return errors.New("bedrock: expected user tool_result following assistant tool_use")
		}
		next := messages[i+1]
		useIDs := make(map[string]struct{})
		for _, p := range m.Parts {
			if tu, ok := p.(ToolUsePart); ok && tu.ID != "" {
				useIDs[tu.ID] = struct{}{}
			}
		}
		resIDs := make(map[string]struct{})
		for _, p := range next.Parts {
			if tr, ok := p.(ToolResultPart); ok && tr.ToolUseID != "" {
				resIDs[tr.ToolUseID] = struct{}{}
			}
		}
		if len(resIDs) > len(useIDs) {
			return errors.New("bedrock: tool_result count exceeds prior assistant tool_use count")
		}
		for id := range resIDs {
			if _, ok := useIDs[id]; !ok {
				return errors.New("bedrock: tool_result id does not match prior assistant tool_use id")
			}
		}
	}
	return nil
}
