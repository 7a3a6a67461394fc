package chat

import "encoding/json"

// ChatMessage represents a message in an OpenAI-shaped conversation.
// Content is either a plain string or a list of content segments.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall mirrors an OpenAI assistant tool call.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and its arguments.
// Arguments may arrive as a JSON string or as an already-parsed object.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// ArgumentsMap returns the call arguments as a JSON object, tolerating both
// the string and object encodings clients send.
func (f ToolCallFunction) ArgumentsMap() map[string]any {
	switch v := f.Arguments.(type) {
	case string:
		if v == "" {
			return map[string]any{}
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	default:
		return map[string]any{}
	}
}

// FunctionDef is an OpenAI function definition.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is an OpenAI tool definition; only type "function" is supported.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// CompletionsRequest mirrors OpenAI's chat completions request body.
type CompletionsRequest struct {
	Model      string        `json:"model,omitempty"`
	Messages   []ChatMessage `json:"messages"`
	Stream     bool          `json:"stream,omitempty"`
	Tools      []Tool        `json:"tools,omitempty"`
	ToolChoice any           `json:"tool_choice,omitempty"`
}
