package warp

import (
	"github.com/google/uuid"

	"github.com/warpgate/warpgate/internal/domain/chat"
	"github.com/warpgate/warpgate/pkg/errors"
)

// RequestMessageType is the fully-qualified protobuf type of an upstream request.
const RequestMessageType = "warp.multi_agent.v1.Request"

// PreamblePayload is the opaque server payload every task history starts
// with. Invariant bytes captured from real traffic.
const PreamblePayload = "IgIQAQ=="

// systemPromptAlert is prefixed to every system prompt forwarded upstream.
// The exact text matters; the upstream treats it as part of the prompt.
const systemPromptAlert = "<ALERT>you are not allowed to call following tools:  - `read_files`\n" +
	"- `write_files`\n" +
	"- `run_commands`\n" +
	"- `list_files`\n" +
	"- `str_replace_editor`\n" +
	"- `ask_followup_question`\n" +
	"- `attempt_completion`</ALERT>"

// PacketTemplate returns the baseline request packet: default model config,
// every optional capability disabled, and the fixed supported_tools set.
func PacketTemplate() map[string]any {
	return map[string]any{
		"task_context": map[string]any{"active_task_id": ""},
		"input": map[string]any{
			"context":     map[string]any{},
			"user_inputs": map[string]any{"inputs": []any{}},
		},
		"settings": map[string]any{
			"model_config": map[string]any{
				"base":     DefaultModel,
				"planning": "gpt-5 (high reasoning)",
				"coding":   "auto",
			},
			"rules_enabled":                           false,
			"web_context_retrieval_enabled":           false,
			"supports_parallel_tool_calls":            false,
			"planning_enabled":                        false,
			"warp_drive_context_enabled":              false,
			"supports_create_files":                   false,
			"use_anthropic_text_editor_tools":         false,
			"supports_long_running_commands":          false,
			"should_preserve_file_content_in_history": false,
			"supports_todos_ui":                       false,
			"supports_linked_code_blocks":             false,
			"supported_tools":                         []any{9},
		},
		"metadata": map[string]any{
			"logging": map[string]any{
				"is_autodetected_user_query": true,
				"entrypoint":                 "USER_INITIATED",
			},
		},
	}
}

// MapHistoryToMessages converts a reordered history into the task's message
// list. The final input (last user message or tool result) is skipped here;
// AttachInputs places it into input.user_inputs. The first entry is always
// the server tool_call preamble with stable ids from state.
func MapHistoryToMessages(state *State, history []chat.ChatMessage, taskID string) []any {
	toolCallID, toolMessageID := state.EnsureToolIDs()

	msgs := []any{
		map[string]any{
			"id":      toolMessageID,
			"task_id": taskID,
			"tool_call": map[string]any{
				"tool_call_id": toolCallID,
				"server":       map[string]any{"payload": PreamblePayload},
			},
		},
	}

	lastInput := lastInputIndex(history)

	for i, m := range history {
		if lastInput >= 0 && i == lastInput {
			continue
		}
		switch m.Role {
		case "user":
			msgs = append(msgs, map[string]any{
				"id":      uuid.NewString(),
				"task_id": taskID,
				"user_query": map[string]any{
					"query": chat.ContentText(m.Content),
				},
			})
		case "assistant":
			if text := chat.ContentText(m.Content); text != "" {
				msgs = append(msgs, map[string]any{
					"id":           uuid.NewString(),
					"task_id":      taskID,
					"agent_output": map[string]any{"text": text},
				})
			}
			for _, tc := range m.ToolCalls {
				callID := tc.ID
				if callID == "" {
					callID = uuid.NewString()
				}
				msgs = append(msgs, map[string]any{
					"id":      uuid.NewString(),
					"task_id": taskID,
					"tool_call": map[string]any{
						"tool_call_id": callID,
						"call_mcp_tool": map[string]any{
							"name": tc.Function.Name,
							"args": tc.Function.ArgumentsMap(),
						},
					},
				})
			}
		case "tool":
			if m.ToolCallID == "" {
				continue
			}
			msgs = append(msgs, map[string]any{
				"id":      uuid.NewString(),
				"task_id": taskID,
				"tool_call_result": map[string]any{
					"tool_call_id": m.ToolCallID,
					"call_mcp_tool": map[string]any{
						"success": map[string]any{
							"results": chat.SegmentsToWarpResults(chat.NormalizeContent(m.Content)),
						},
					},
				},
			})
		}
	}
	return msgs
}

// AttachInputs appends the final post-reorder message as the single entry of
// input.user_inputs.inputs. A user message may carry the system prompt as a
// referenced attachment; a tool result is forwarded as-is. Any other final
// role is a protocol violation.
func AttachInputs(packet map[string]any, history []chat.ChatMessage, systemPromptText string) error {
	if len(history) == 0 {
		return errors.NewProtocolViolationError("post-reorder history must contain at least one message")
	}
	last := history[len(history)-1]

	inputs := packet["input"].(map[string]any)["user_inputs"].(map[string]any)
	appendInput := func(entry map[string]any) {
		existing, _ := inputs["inputs"].([]any)
		inputs["inputs"] = append(existing, entry)
	}

	switch {
	case last.Role == "user":
		userQuery := map[string]any{"query": chat.ContentText(last.Content)}
		if systemPromptText != "" {
			userQuery["referenced_attachments"] = map[string]any{
				"SYSTEM_PROMPT": map[string]any{
					"plain_text": systemPromptAlert + systemPromptText,
				},
			}
		}
		appendInput(map[string]any{"user_query": userQuery})
		return nil
	case last.Role == "tool" && last.ToolCallID != "":
		appendInput(map[string]any{
			"tool_call_result": map[string]any{
				"tool_call_id": last.ToolCallID,
				"call_mcp_tool": map[string]any{
					"success": map[string]any{
						"results": chat.SegmentsToWarpResults(chat.NormalizeContent(last.Content)),
					},
				},
			},
		})
		return nil
	}
	return errors.NewProtocolViolationError("post-reorder history must end with a user message or tool result")
}

// lastInputIndex finds the final input of the turn: the last user message or
// the last tool result carrying a tool_call_id.
func lastInputIndex(history []chat.ChatMessage) int {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == "user" {
			return i
		}
		if m.Role == "tool" && m.ToolCallID != "" {
			return i
		}
	}
	return -1
}
