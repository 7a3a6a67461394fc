package chat

// Reorder normalizes a possibly-compacted history so every assistant tool
// call is immediately followed by its matching tool result, multi-segment
// user messages and multi-call assistant messages are split into one logical
// message each, and — when the final input of the turn is a tool result —
// the assistant message that produced it is moved to the tail right before it.
func Reorder(history []ChatMessage) []ChatMessage {
	if len(history) == 0 {
		return nil
	}

	expanded := expand(history)

	// The anchor is the final input of the turn: walking backwards, the
	// first user message or tool result encountered.
	lastInputToolID := ""
	lastInputIsTool := false
	for i := len(expanded) - 1; i >= 0; i-- {
		m := expanded[i]
		if m.Role == "tool" && m.ToolCallID != "" {
			lastInputToolID = m.ToolCallID
			lastInputIsTool = true
			break
		}
		if m.Role == "user" {
			break
		}
	}

	// Index tool results by id (first wins) and collect the ids every
	// assistant tool call produced.
	toolResultsByID := make(map[string]ChatMessage)
	assistantCallIDs := make(map[string]bool)
	for _, m := range expanded {
		if m.Role == "tool" && m.ToolCallID != "" {
			if _, ok := toolResultsByID[m.ToolCallID]; !ok {
				toolResultsByID[m.ToolCallID] = m
			}
		}
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					assistantCallIDs[tc.ID] = true
				}
			}
		}
	}

	var result []ChatMessage
	var trailingAssistant *ChatMessage
	for i := range expanded {
		m := expanded[i]
		switch {
		case m.Role == "tool":
			// Unmatched tool results stay inline at their original position.
			if m.ToolCallID == "" || !assistantCallIDs[m.ToolCallID] {
				result = append(result, m)
				delete(toolResultsByID, m.ToolCallID)
			}
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var ids []string
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					ids = append(ids, tc.ID)
				}
			}
			if lastInputIsTool && lastInputToolID != "" && containsID(ids, lastInputToolID) {
				if trailingAssistant == nil {
					trailingAssistant = &expanded[i]
				}
				continue
			}
			result = append(result, m)
			for _, id := range ids {
				if tr, ok := toolResultsByID[id]; ok {
					result = append(result, tr)
					delete(toolResultsByID, id)
				}
			}
		default:
			result = append(result, m)
		}
	}

	if lastInputIsTool && lastInputToolID != "" && trailingAssistant != nil {
		result = append(result, *trailingAssistant)
		if tr, ok := toolResultsByID[lastInputToolID]; ok {
			result = append(result, tr)
			delete(toolResultsByID, lastInputToolID)
		}
	}

	return result
}

// expand splits multi-segment user messages into one user message per text
// segment, and multi-call assistant messages into an optional text message
// plus one single-call assistant message per tool call.
func expand(history []ChatMessage) []ChatMessage {
	var expanded []ChatMessage
	for _, m := range history {
		switch {
		case m.Role == "user":
			segments := NormalizeContent(m.Content)
			if _, isList := m.Content.([]any); isList && len(segments) > 1 {
				for _, seg := range segments {
					if seg.Type == "text" {
						expanded = append(expanded, ChatMessage{Role: "user", Content: seg.Text})
					} else {
						expanded = append(expanded, ChatMessage{Role: "user", Content: []Segment{seg}})
					}
				}
			} else {
				expanded = append(expanded, m)
			}
		case m.Role == "assistant" && len(m.ToolCalls) > 1:
			if text := ContentText(m.Content); text != "" {
				expanded = append(expanded, ChatMessage{Role: "assistant", Content: text})
			}
			for _, tc := range m.ToolCalls {
				expanded = append(expanded, ChatMessage{Role: "assistant", ToolCalls: []ToolCall{tc}})
			}
		default:
			expanded = append(expanded, m)
		}
	}
	return expanded
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
