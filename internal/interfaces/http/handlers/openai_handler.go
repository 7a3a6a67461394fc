package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/domain/chat"
	"github.com/warpgate/warpgate/internal/domain/warp"
	"github.com/warpgate/warpgate/internal/infrastructure/upstream"
)

// OpenAIHandler implements the OpenAI Chat Completions compatible surface
// on top of the bridge.
type OpenAIHandler struct {
	logger *zap.Logger
	state  *warp.State
	bridge *BridgeClient
	warmup *Warmup
}

// ChatCompletionResponse mirrors OpenAI's non-stream response format
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage is the assistant reply of a non-stream completion
type AssistantMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []chat.ToolCall `json:"tool_calls,omitempty"`
}

// ChatStreamChunk represents a streaming chunk
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
	Error   *StreamError       `json:"error,omitempty"`
}

// ChatStreamChoice represents a streaming choice delta
type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason,omitempty"`
}

// ChatStreamDelta represents the delta in a streaming choice
type ChatStreamDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []StreamToolCallDelta `json:"tool_calls,omitempty"`
}

// StreamToolCallDelta is one tool call inside a streaming delta
type StreamToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function StreamToolFunction `json:"function"`
}

// StreamToolFunction carries the function name and serialized arguments
type StreamToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamError is attached to the terminal chunk after headers are committed
type StreamError struct {
	Message string `json:"message"`
}

// OpenAIModel represents a model in the /v1/models response
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse mirrors OpenAI's models list response
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// NewOpenAIHandler creates the compat handler
func NewOpenAIHandler(state *warp.State, bridge *BridgeClient, warmup *Warmup, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{
		logger: logger,
		state:  state,
		bridge: bridge,
		warmup: warmup,
	}
}

// Healthz handles GET /healthz
func (h *OpenAIHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "OpenAI Chat Completions (Warp bridge) - Streaming",
	})
}

// ListModels handles GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	ids := warp.ModelIDs()
	models := make([]OpenAIModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, OpenAIModel{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "warp",
		})
	}
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

// ChatCompletions handles POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	// 预热失败不阻塞请求，后续桥接调用会再暴露问题
	if err := h.warmup.EnsureInitialized(c.Request.Context()); err != nil {
		h.logger.Warn("warmup failed or skipped", zap.Error(err))
	}

	var req chat.CompletionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, h.errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, h.errorResponse("messages cannot be empty", "invalid_request_error"))
		return
	}

	history := chat.Reorder(req.Messages)
	systemPrompt := collectSystemPrompt(history)
	packet := h.buildPacket(&req, history, systemPrompt)
	if packet == nil {
		c.JSON(http.StatusInternalServerError, h.errorResponse("post-reorder history has no final input", "server_error"))
		return
	}

	completionID := uuid.NewString()
	created := time.Now().Unix()
	modelID := req.Model
	if modelID == "" {
		modelID = "warp-default"
	}

	if req.Stream {
		h.streamCompletion(c, packet, completionID, created, modelID)
		return
	}
	h.bufferedCompletion(c, packet, completionID, created, modelID)
}

// collectSystemPrompt joins all system messages' text with blank lines.
func collectSystemPrompt(history []chat.ChatMessage) string {
	var chunks []string
	for _, m := range history {
		if m.Role != "system" {
			continue
		}
		if text := chat.ContentText(m.Content); strings.TrimSpace(text) != "" {
			chunks = append(chunks, text)
		}
	}
	return strings.Join(chunks, "\n\n")
}

// buildPacket assembles the upstream request packet from reordered history.
// Returns nil when no final input exists.
func (h *OpenAIHandler) buildPacket(req *chat.CompletionsRequest, history []chat.ChatMessage, systemPrompt string) map[string]any {
	taskID := h.state.BaselineOrNewTaskID()

	packet := warp.PacketTemplate()
	packet["task_context"] = map[string]any{
		"tasks": []any{
			map[string]any{
				"id":          taskID,
				"description": "",
				"status":      map[string]any{"in_progress": map[string]any{}},
				"messages":    warp.MapHistoryToMessages(h.state, history, taskID),
			},
		},
		"active_task_id": taskID,
	}

	if req.Model != "" {
		mc := warp.GetModelConfig(req.Model)
		packet["settings"].(map[string]any)["model_config"] = map[string]any{
			"base":     mc.Base,
			"planning": mc.Planning,
			"coding":   mc.Coding,
		}
	}

	if convID := h.state.ConversationID(); convID != "" {
		packet["metadata"].(map[string]any)["conversation_id"] = convID
	}

	if err := warp.AttachInputs(packet, history, systemPrompt); err != nil {
		h.logger.Error("attaching inputs failed", zap.Error(err))
		return nil
	}

	if len(req.Tools) > 0 {
		var mcpTools []any
		for _, t := range req.Tools {
			if t.Type != "function" || t.Function.Name == "" {
				continue
			}
			mcpTools = append(mcpTools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		if len(mcpTools) > 0 {
			packet["mcp_context"] = map[string]any{"tools": mcpTools}
		}
	}
	return packet
}

// bufferedCompletion drives the non-stream path through the bridge.
func (h *OpenAIHandler) bufferedCompletion(c *gin.Context, packet map[string]any, completionID string, created int64, modelID string) {
	resp, err := h.bridge.SendStream(c.Request.Context(), packet)
	if err != nil {
		h.logger.Error("bridge call failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, h.errorResponse("bridge_unreachable: "+err.Error(), "server_error"))
		return
	}

	h.state.Update(resp.ConversationID, resp.TaskID)

	toolCalls := upstream.ToolCallsFromEvents(resp.ParsedEvents)
	var message AssistantMessage
	finishReason := "stop"
	if len(toolCalls) > 0 {
		message = AssistantMessage{Role: "assistant", Content: "", ToolCalls: toolCalls}
		finishReason = "tool_calls"
	} else {
		message = AssistantMessage{Role: "assistant", Content: resp.Response}
	}

	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   modelID,
		Choices: []ChatChoice{{Index: 0, Message: message, FinishReason: finishReason}},
	})
}

// streamCompletion drives the streaming path: bridge SSE events in, OpenAI
// chunks out, one chunk per decoded delta in source order.
func (h *OpenAIHandler) streamCompletion(c *gin.Context, packet map[string]any, completionID string, created int64, modelID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	chunk := func(choices []ChatStreamChoice, streamErr *StreamError) {
		h.writeSSEChunk(c.Writer, ChatStreamChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelID,
			Choices: choices,
			Error:   streamErr,
		})
		c.Writer.Flush()
	}
	fail := func(err error) {
		h.logger.Error("stream processing failed", zap.Error(err))
		reason := "error"
		chunk([]ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &reason}},
			&StreamError{Message: err.Error()})
		io.WriteString(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}

	chunk([]ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Role: "assistant"}}}, nil)

	body, err := h.bridge.OpenStream(c.Request.Context(), packet)
	if err != nil {
		fail(err)
		return
	}
	defer body.Close()

	toolCallsEmitted := false
	if err := h.forwardBridgeEvents(c, body, chunk, &toolCallsEmitted); err != nil {
		fail(err)
		return
	}

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// forwardBridgeEvents reads {parsed_data:…} frames from the bridge and
// emits OpenAI chunks. Undecodable frames are skipped.
func (h *OpenAIHandler) forwardBridgeEvents(c *gin.Context, body io.Reader, chunk func([]ChatStreamChoice, *StreamError), toolCallsEmitted *bool) error {
	type bridgeFrame struct {
		ParsedData map[string]any `json:"parsed_data"`
	}

	reader := newJSONFrameReader(body)
	for {
		select {
		case <-c.Request.Context().Done():
			return nil
		default:
		}

		raw, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var frame bridgeFrame
		if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil || frame.ParsedData == nil {
			continue
		}

		deltas, taskID, finished := upstream.StreamDeltas(frame.ParsedData)
		if taskID != "" {
			h.state.Update("", taskID)
		}
		if convID, initTaskID, ok := upstream.InitInfo(frame.ParsedData); ok {
			h.state.Update(convID, initTaskID)
		}

		for _, d := range deltas {
			if d.ToolCall != nil {
				args, _ := d.ToolCall.Function.Arguments.(string)
				chunk([]ChatStreamChoice{{
					Index: 0,
					Delta: ChatStreamDelta{
						ToolCalls: []StreamToolCallDelta{{
							Index: 0,
							ID:    d.ToolCall.ID,
							Type:  "function",
							Function: StreamToolFunction{
								Name:      d.ToolCall.Function.Name,
								Arguments: args,
							},
						}},
					},
				}}, nil)
				*toolCallsEmitted = true
				continue
			}
			if d.Content != "" {
				chunk([]ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Content: d.Content}}}, nil)
			}
		}

		if finished {
			reason := "stop"
			if *toolCallsEmitted {
				reason = "tool_calls"
			}
			chunk([]ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &reason}}, nil)
		}
	}
}

// writeSSEChunk writes a single SSE event
func (h *OpenAIHandler) writeSSEChunk(w io.Writer, chunk ChatStreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("marshaling SSE chunk failed", zap.Error(err))
		return
	}
	io.WriteString(w, "data: ")
	w.Write(data)
	io.WriteString(w, "\n\n")
}

func (h *OpenAIHandler) errorResponse(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}
