package upstream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/warpgate/warpgate/internal/domain/chat"
)

// getAny returns the first matching key, tolerating both snake_case and
// camelCase forms of decoded events.
func getAny(d map[string]any, names ...string) any {
	for _, n := range names {
		if v, ok := d[n]; ok {
			return v
		}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

// EventType labels a decoded event for logging.
func EventType(event map[string]any) string {
	if _, ok := event["init"]; ok {
		return "INITIALIZATION"
	}
	if ca := asMap(getAny(event, "client_actions", "clientActions")); ca != nil {
		actions := asList(getAny(ca, "actions", "Actions"))
		if len(actions) == 0 {
			return "CLIENT_ACTIONS_EMPTY"
		}
		labels := make([]string, 0, len(actions))
		for _, a := range actions {
			action := asMap(a)
			switch {
			case getAny(action, "create_task", "createTask") != nil:
				labels = append(labels, "CREATE_TASK")
			case getAny(action, "append_to_message_content", "appendToMessageContent") != nil:
				labels = append(labels, "APPEND_CONTENT")
			case getAny(action, "add_messages_to_task", "addMessagesToTask") != nil:
				labels = append(labels, "ADD_MESSAGE")
			case getAny(action, "tool_call", "toolCall") != nil:
				labels = append(labels, "TOOL_CALL")
			case getAny(action, "tool_response", "toolResponse") != nil:
				labels = append(labels, "TOOL_RESPONSE")
			default:
				labels = append(labels, "UNKNOWN_ACTION")
			}
		}
		return "CLIENT_ACTIONS(" + strings.Join(labels, ", ") + ")"
	}
	if _, ok := event["finished"]; ok {
		return "FINISHED"
	}
	return "UNKNOWN_EVENT"
}

// InitInfo extracts the conversation and task ids from an init event.
func InitInfo(event map[string]any) (conversationID, taskID string, ok bool) {
	init := asMap(event["init"])
	if init == nil {
		return "", "", false
	}
	conversationID, _ = getAny(init, "conversation_id", "conversationId").(string)
	taskID, _ = getAny(init, "task_id", "taskId").(string)
	return conversationID, taskID, true
}

// Delta is one OpenAI-chunk-worth of output decoded from an upstream event.
type Delta struct {
	Content  string
	ToolCall *chat.ToolCall
}

// StreamDeltas walks an event's actions in source order and produces the
// deltas the streaming transformer should emit. Finished reports whether the
// event carries the terminal marker; taskID is updated when an action names
// one.
func StreamDeltas(event map[string]any) (deltas []Delta, taskID string, finished bool) {
	if ca := asMap(getAny(event, "client_actions", "clientActions")); ca != nil {
		for _, a := range asList(getAny(ca, "actions", "Actions")) {
			action := asMap(a)
			if action == nil {
				continue
			}

			if appendData := asMap(getAny(action, "append_to_message_content", "appendToMessageContent")); appendData != nil {
				message := asMap(appendData["message"])
				if tc := toolCallFromMessage(message); tc != nil {
					deltas = append(deltas, Delta{ToolCall: tc})
				} else if out := asMap(getAny(message, "agent_output", "agentOutput")); out != nil {
					if text, _ := out["text"].(string); text != "" {
						deltas = append(deltas, Delta{Content: text})
					}
					if reasoning, _ := out["reasoning"].(string); reasoning != "" {
						deltas = append(deltas, Delta{Content: reasoning})
					}
				}
			}

			if addMsgs := asMap(getAny(action, "add_messages_to_task", "addMessagesToTask")); addMsgs != nil {
				if id, _ := getAny(addMsgs, "task_id", "taskId").(string); id != "" {
					taskID = id
				}
				for _, m := range asList(addMsgs["messages"]) {
					message := asMap(m)
					if message == nil {
						continue
					}
					if tc := toolCallFromMessage(message); tc != nil {
						deltas = append(deltas, Delta{ToolCall: tc})
						continue
					}
					if out := asMap(getAny(message, "agent_output", "agentOutput")); out != nil {
						if text, _ := out["text"].(string); text != "" {
							deltas = append(deltas, Delta{Content: text})
						}
					}
				}
			}

			if update := asMap(getAny(action, "update_task_message", "updateTaskMessage")); update != nil {
				message := asMap(update["message"])
				if out := asMap(getAny(message, "agent_output", "agentOutput")); out != nil {
					if text, _ := out["text"].(string); text != "" {
						deltas = append(deltas, Delta{Content: text})
					}
				}
			}

			if create := asMap(getAny(action, "create_task", "createTask")); create != nil {
				task := asMap(create["task"])
				for _, m := range asList(task["messages"]) {
					message := asMap(m)
					if out := asMap(getAny(message, "agent_output", "agentOutput")); out != nil {
						if text, _ := out["text"].(string); text != "" {
							deltas = append(deltas, Delta{Content: text})
						}
					}
				}
			}

			if summary := asMap(getAny(action, "update_task_summary", "updateTaskSummary")); summary != nil {
				if text, _ := summary["summary"].(string); text != "" {
					deltas = append(deltas, Delta{Content: text})
				}
			}
		}
	}
	_, finished = event["finished"]
	return deltas, taskID, finished
}

// toolCallFromMessage converts a message-level tool_call into an OpenAI tool
// call. Only named MCP tool calls count; the server preamble does not.
func toolCallFromMessage(message map[string]any) *chat.ToolCall {
	tc := asMap(getAny(message, "tool_call", "toolCall"))
	if tc == nil {
		return nil
	}
	callMCP := asMap(getAny(tc, "call_mcp_tool", "callMcpTool"))
	if callMCP == nil {
		return nil
	}
	name, _ := callMCP["name"].(string)
	if name == "" {
		return nil
	}

	argsStr := "{}"
	if args := asMap(callMCP["args"]); args != nil {
		if raw, err := json.Marshal(args); err == nil {
			argsStr = string(raw)
		}
	}
	id, _ := getAny(tc, "tool_call_id", "toolCallId").(string)
	if id == "" {
		id = uuid.NewString()
	}
	return &chat.ToolCall{
		ID:   id,
		Type: "function",
		Function: chat.ToolCallFunction{
			Name:      name,
			Arguments: argsStr,
		},
	}
}

// ParsedEvent is one entry of a buffered bridge response.
type ParsedEvent struct {
	EventNumber int            `json:"event_number"`
	EventType   string         `json:"event_type"`
	ParsedData  map[string]any `json:"parsed_data"`
}

// ToolCallsFromEvents extracts the MCP tool calls a buffered response
// produced, in event order.
func ToolCallsFromEvents(events []ParsedEvent) []chat.ToolCall {
	var calls []chat.ToolCall
	for _, ev := range events {
		ca := asMap(getAny(ev.ParsedData, "client_actions", "clientActions"))
		if ca == nil {
			continue
		}
		for _, a := range asList(getAny(ca, "actions", "Actions")) {
			action := asMap(a)
			addMsgs := asMap(getAny(action, "add_messages_to_task", "addMessagesToTask"))
			if addMsgs == nil {
				continue
			}
			for _, m := range asList(addMsgs["messages"]) {
				if tc := toolCallFromMessage(asMap(m)); tc != nil {
					calls = append(calls, *tc)
				}
			}
		}
	}
	return calls
}

// AggregateText concatenates the text fragments of a buffered event list in
// source order.
func AggregateText(events []ParsedEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		deltas, _, _ := StreamDeltas(ev.ParsedData)
		for _, d := range deltas {
			sb.WriteString(d.Content)
		}
	}
	return sb.String()
}
