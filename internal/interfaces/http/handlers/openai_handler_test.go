package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/domain/warp"
	"github.com/warpgate/warpgate/internal/infrastructure/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func textEvent(text string) map[string]any {
	return map[string]any{
		"client_actions": map[string]any{
			"actions": []any{
				map[string]any{
					"append_to_message_content": map[string]any{
						"message": map[string]any{
							"agent_output": map[string]any{"text": text},
						},
					},
				},
			},
		},
	}
}

func toolEvent(callID, name string, args map[string]any) map[string]any {
	return map[string]any{
		"client_actions": map[string]any{
			"actions": []any{
				map[string]any{
					"add_messages_to_task": map[string]any{
						"task_id": "task-9",
						"messages": []any{
							map[string]any{
								"tool_call": map[string]any{
									"tool_call_id":  callID,
									"call_mcp_tool": map[string]any{"name": name, "args": args},
								},
							},
						},
					},
				},
			},
		},
	}
}

// stubBridge is a fake bridge server recording every packet it receives.
type stubBridge struct {
	mu       sync.Mutex
	packets  []map[string]any
	response BridgeResponse
	frames   []map[string]any
}

func (s *stubBridge) recordPacket(r *http.Request) {
	var req bridgeRequest
	json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.packets = append(s.packets, req.JSONData)
	s.mu.Unlock()
}

func (s *stubBridge) packet(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.packets) {
		return nil
	}
	return s.packets[i]
}

func (s *stubBridge) packetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *stubBridge) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/warp/send_stream", func(w http.ResponseWriter, r *http.Request) {
		s.recordPacket(r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.response)
	})
	mux.HandleFunc("/api/warp/send_stream_sse", func(w http.ResponseWriter, r *http.Request) {
		s.recordPacket(r)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range s.frames {
			raw, _ := json.Marshal(map[string]any{"parsed_data": frame})
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, bridgeURL string, state *warp.State) *gin.Engine {
	t.Helper()
	logger := zap.NewNop()
	client := NewBridgeClient(bridgeURL, logger)
	warmup := NewWarmup(state, client, WarmupConfig{
		InitRetries: 2,
		InitDelay:   10 * time.Millisecond,
		WarmupDelay: 10 * time.Millisecond,
	}, logger)
	handler := NewOpenAIHandler(state, client, warmup, logger)

	router := gin.New()
	router.GET("/healthz", handler.Healthz)
	router.GET("/v1/models", handler.ListModels)
	router.POST("/v1/chat/completions", handler.ChatCompletions)
	return router
}

func initializedState() *warp.State {
	s := warp.NewState()
	s.Update("conv-1", "task-1")
	return s
}

func postCompletions(router *gin.Engine, body map[string]any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	stub := &stubBridge{}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	w := postCompletions(router, map[string]any{"messages": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	msg := resp["error"].(map[string]any)["message"]
	if msg != "messages cannot be empty" {
		t.Errorf("error message = %v", msg)
	}
}

func TestChatCompletionsBuffered(t *testing.T) {
	stub := &stubBridge{response: BridgeResponse{
		ConversationID: "conv-1",
		TaskID:         "task-1",
		Response:       "Hello there",
	}}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	w := postCompletions(router, map[string]any{
		"model":    "gpt-5",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "chat.completion" || resp.Model != "gpt-5" {
		t.Errorf("object/model = %q/%q", resp.Object, resp.Model)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "stop" || choice.Message.Content != "Hello there" {
		t.Errorf("choice = %+v", choice)
	}

	// The packet the bridge received carries the final input and task context.
	packet := stub.packet(0)
	if packet == nil {
		t.Fatal("bridge never received a packet")
	}
	inputs := packet["input"].(map[string]any)["user_inputs"].(map[string]any)["inputs"].([]any)
	if len(inputs) != 1 {
		t.Fatalf("inputs = %v", inputs)
	}
	query := inputs[0].(map[string]any)["user_query"].(map[string]any)["query"]
	if query != "hi" {
		t.Errorf("query = %v", query)
	}
	tc := packet["task_context"].(map[string]any)
	if tc["active_task_id"] != "task-1" {
		t.Errorf("active_task_id = %v", tc["active_task_id"])
	}
	if packet["metadata"].(map[string]any)["conversation_id"] != "conv-1" {
		t.Errorf("metadata = %v", packet["metadata"])
	}
}

func TestChatCompletionsMapsModelConfig(t *testing.T) {
	stub := &stubBridge{response: BridgeResponse{Response: "ok"}}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	w := postCompletions(router, map[string]any{
		"model":    "  Claude-4-Sonnet ",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	mc := stub.packet(0)["settings"].(map[string]any)["model_config"].(map[string]any)
	if mc["base"] != "claude-4-sonnet" {
		t.Errorf("base = %v, want claude-4-sonnet", mc["base"])
	}
	if mc["planning"] != "o3" || mc["coding"] != "auto" {
		t.Errorf("planning/coding = %v/%v", mc["planning"], mc["coding"])
	}

	// Unknown model names fall back to the auto base model.
	w = postCompletions(router, map[string]any{
		"model":    "totally-made-up",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	mc = stub.packet(1)["settings"].(map[string]any)["model_config"].(map[string]any)
	if mc["base"] != "auto" {
		t.Errorf("base = %v, want auto", mc["base"])
	}
}

func TestChatCompletionsBufferedToolCalls(t *testing.T) {
	stub := &stubBridge{response: BridgeResponse{
		ConversationID: "conv-1",
		TaskID:         "task-1",
		ParsedEvents: []upstream.ParsedEvent{
			{EventNumber: 1, EventType: "CLIENT_ACTIONS(ADD_MESSAGE)", ParsedData: toolEvent("call-1", "get_weather", map[string]any{"city": "Oslo"})},
		},
	}}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	w := postCompletions(router, map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "weather?"}},
		"tools": []any{map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":       "get_weather",
				"parameters": map[string]any{"type": "object"},
			},
		}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp ChatCompletionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %v", choice.Message.ToolCalls)
	}
	call := choice.Message.ToolCalls[0]
	if call.ID != "call-1" || call.Function.Name != "get_weather" {
		t.Errorf("call = %+v", call)
	}

	// Tool definitions ride along as mcp_context.
	packet := stub.packet(0)
	tools := packet["mcp_context"].(map[string]any)["tools"].([]any)
	if tools[0].(map[string]any)["name"] != "get_weather" {
		t.Errorf("mcp_context = %v", packet["mcp_context"])
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	stub := &stubBridge{frames: []map[string]any{
		{"init": map[string]any{"conversation_id": "conv-2", "task_id": "task-2"}},
		textEvent("Hello"),
		textEvent(" world"),
		{"finished": map[string]any{}},
	}}
	state := initializedState()
	router := newTestRouter(t, stub.serve(t).URL, state)

	w := postCompletions(router, map[string]any{
		"stream":   true,
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var chunks []ChatStreamChunk
	sawDone := false
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk ChatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, chunk)
	}
	if !sawDone {
		t.Fatal("stream missing [DONE]")
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk must announce the assistant role: %+v", chunks[0])
	}
	if chunks[1].Choices[0].Delta.Content != "Hello" || chunks[2].Choices[0].Delta.Content != " world" {
		t.Errorf("content chunks = %+v %+v", chunks[1], chunks[2])
	}
	last := chunks[3].Choices[0]
	if last.FinishReason == nil || *last.FinishReason != "stop" {
		t.Errorf("final chunk = %+v", last)
	}
	if chunks[0].Object != "chat.completion.chunk" {
		t.Errorf("object = %q", chunks[0].Object)
	}

	// Init frame updated the shared baseline.
	if state.ConversationID() != "conv-2" {
		t.Errorf("conversation id = %q, want conv-2", state.ConversationID())
	}
}

func TestChatCompletionsStreamingToolCall(t *testing.T) {
	stub := &stubBridge{frames: []map[string]any{
		toolEvent("call-7", "search", map[string]any{"q": "go"}),
		{"finished": map[string]any{}},
	}}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	w := postCompletions(router, map[string]any{
		"stream":   true,
		"messages": []any{map[string]any{"role": "user", "content": "find"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, `"tool_calls"`) || !strings.Contains(body, `"search"`) {
		t.Fatalf("tool call chunk missing: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"tool_calls"`) {
		t.Errorf("finish reason missing: %s", body)
	}
}

func TestChatCompletionsRunsWarmupFirst(t *testing.T) {
	stub := &stubBridge{response: BridgeResponse{
		ConversationID: "conv-new",
		TaskID:         "task-new",
		Response:       "warm",
	}}
	state := warp.NewState()
	router := newTestRouter(t, stub.serve(t).URL, state)

	w := postCompletions(router, map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if stub.packetCount() != 2 {
		t.Fatalf("expected warmup + request, got %d packets", stub.packetCount())
	}

	warmupPacket := stub.packet(0)
	inputs := warmupPacket["input"].(map[string]any)["user_inputs"].(map[string]any)["inputs"].([]any)
	query := inputs[0].(map[string]any)["user_query"].(map[string]any)["query"]
	if query != "warmup" {
		t.Errorf("first packet query = %v, want warmup", query)
	}
	if state.ConversationID() != "conv-new" {
		t.Errorf("state not updated from warmup: %q", state.ConversationID())
	}
}

func TestListModels(t *testing.T) {
	stub := &stubBridge{}
	router := newTestRouter(t, stub.serve(t).URL, initializedState())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp ModelsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Object != "list" || len(resp.Data) == 0 {
		t.Fatalf("models = %+v", resp)
	}
	found := false
	for _, m := range resp.Data {
		if m.ID == warp.DefaultModel {
			found = true
		}
		if m.Object != "model" || m.OwnedBy != "warp" {
			t.Errorf("model entry = %+v", m)
		}
	}
	if !found {
		t.Errorf("default model missing from %v", resp.Data)
	}
}
