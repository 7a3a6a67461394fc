package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/infrastructure/upstream"
	"github.com/warpgate/warpgate/pkg/errors"
)

// bridgeRequest is the wire form both bridge endpoints accept.
type bridgeRequest struct {
	JSONData    map[string]any `json:"json_data"`
	MessageType string         `json:"message_type"`
}

// BridgeResponse is the buffered reply of /api/warp/send_stream.
type BridgeResponse struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	TaskID         string                 `json:"task_id,omitempty"`
	Response       string                 `json:"response"`
	ParsedEvents   []upstream.ParsedEvent `json:"parsed_events"`
}

// BridgeClient 与桥接服务通信的内部客户端
// Buffered calls use a long read timeout; streaming calls keep the
// connection open for the duration of the upstream stream.
type BridgeClient struct {
	logger  *zap.Logger
	baseURL string

	buffered  *http.Client
	streaming *http.Client
}

func NewBridgeClient(baseURL string, logger *zap.Logger) *BridgeClient {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &BridgeClient{
		logger:  logger,
		baseURL: baseURL,
		buffered: &http.Client{
			Timeout:   180 * time.Second,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		streaming: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// Healthz reports whether the bridge answers its health endpoint.
func (b *BridgeClient) Healthz(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := b.buffered.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// SendStream posts a packet for a buffered reply. A 429 triggers one
// best-effort token refresh and a single retry.
func (b *BridgeClient) SendStream(ctx context.Context, packet map[string]any) (*BridgeResponse, error) {
	resp, err := b.postJSON(ctx, "/api/warp/send_stream", packet)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		b.logger.Warn("bridge returned 429, refreshing token before retry")
		b.Refresh(ctx)
		resp, err = b.postJSON(ctx, "/api/warp/send_stream", packet)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.CodeUpstreamTransport,
			fmt.Sprintf("bridge_error: HTTP %d %s", resp.StatusCode, truncate(string(body), 300)))
	}
	var out BridgeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(errors.CodeUpstreamProtocol, "parsing bridge response failed", err)
	}
	return &out, nil
}

// OpenStream opens the bridge's SSE endpoint. The caller owns the body.
// A 429 triggers one refresh-and-retry before giving up.
func (b *BridgeClient) OpenStream(ctx context.Context, packet map[string]any) (io.ReadCloser, error) {
	resp, err := b.postStream(ctx, packet)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		b.logger.Warn("bridge stream returned 429, refreshing token before retry")
		b.Refresh(ctx)
		resp, err = b.postStream(ctx, packet)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.New(errors.CodeUpstreamTransport,
			fmt.Sprintf("bridge_error: HTTP %d %s", resp.StatusCode, truncate(string(body), 300)))
	}
	return resp.Body, nil
}

// Refresh asks the bridge to refresh credentials. Best effort.
func (b *BridgeClient) Refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(refreshCtx, http.MethodPost, b.baseURL+"/api/auth/refresh", nil)
	if err != nil {
		return
	}
	resp, err := b.buffered.Do(req)
	if err != nil {
		b.logger.Warn("token refresh request failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	b.logger.Info("token refresh attempted", zap.Int("status", resp.StatusCode))
}

func (b *BridgeClient) postJSON(ctx context.Context, path string, packet map[string]any) (*http.Response, error) {
	raw, err := json.Marshal(bridgeRequest{JSONData: packet, MessageType: "warp.multi_agent.v1.Request"})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "encoding bridge request failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "building bridge request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.buffered.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpstreamTransport, "bridge_unreachable", err)
	}
	return resp, nil
}

func (b *BridgeClient) postStream(ctx context.Context, packet map[string]any) (*http.Response, error) {
	raw, err := json.Marshal(bridgeRequest{JSONData: packet, MessageType: "warp.multi_agent.v1.Request"})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "encoding bridge request failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/warp/send_stream_sse", bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "building bridge request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.streaming.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpstreamTransport, "bridge_unreachable", err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
