package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/infrastructure/auth"
	"github.com/warpgate/warpgate/internal/infrastructure/proto"
	"github.com/warpgate/warpgate/internal/infrastructure/sanitize"
	"github.com/warpgate/warpgate/internal/infrastructure/upstream"
)

// BridgeHandler owns the protobuf runtime and the upstream connection: it
// encodes packets, relays the event stream and manages credentials.
type BridgeHandler struct {
	logger  *zap.Logger
	runtime *proto.Runtime
	client  *upstream.Client
	auth    *auth.Manager
}

func NewBridgeHandler(runtime *proto.Runtime, client *upstream.Client, authMgr *auth.Manager, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		logger:  logger,
		runtime: runtime,
		client:  client,
		auth:    authMgr,
	}
}

// Healthz handles GET /healthz
func (h *BridgeHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Warp protobuf bridge",
	})
}

// AuthRefresh handles POST /api/auth/refresh
func (h *BridgeHandler) AuthRefresh(c *gin.Context) {
	refreshed, err := h.auth.CheckAndRefreshToken(c.Request.Context())
	if err != nil {
		h.logger.Warn("token refresh failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"refreshed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

// encodePacket sanitizes tool schemas and serializes the packet.
func (h *BridgeHandler) encodePacket(req *bridgeRequest) ([]byte, error) {
	messageType := req.MessageType
	if messageType == "" {
		messageType = proto.RequestMessageType
	}
	packet := sanitize.PacketToolSchemas(req.JSONData)
	return h.runtime.DictToProtoBytes(packet, messageType)
}

// SendStream handles POST /api/warp/send_stream: the buffered path. The
// whole upstream stream is consumed, each event decoded, and the aggregate
// returned as one JSON document.
func (h *BridgeHandler) SendStream(c *gin.Context) {
	var req bridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := h.encodePacket(&req)
	if err != nil {
		h.logger.Error("packet encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body, err := h.client.Stream(c.Request.Context(), payload)
	if err != nil {
		h.respondUpstreamError(c, err)
		return
	}
	defer body.Close()

	var (
		conversationID string
		taskID         string
		events         []upstream.ParsedEvent
	)
	reader := upstream.NewFrameReader(body)
	for {
		raw, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("upstream stream read failed", zap.Error(err))
			break
		}
		event, decodeErr := h.runtime.ProtoToDict(raw, "warp.multi_agent.v1.ResponseEvent")
		if decodeErr != nil {
			h.logger.Debug("skipping undecodable event", zap.Error(decodeErr))
			continue
		}
		events = append(events, upstream.ParsedEvent{
			EventNumber: len(events) + 1,
			EventType:   upstream.EventType(event),
			ParsedData:  event,
		})
		h.logger.Info("upstream event",
			zap.Int("number", len(events)),
			zap.String("type", upstream.EventType(event)))

		if convID, initTaskID, ok := upstream.InitInfo(event); ok {
			if convID != "" {
				conversationID = convID
			}
			if initTaskID != "" {
				taskID = initTaskID
			}
		}
		if _, actionTaskID, _ := upstream.StreamDeltas(event); actionTaskID != "" {
			taskID = actionTaskID
		}
	}

	c.JSON(http.StatusOK, BridgeResponse{
		ConversationID: conversationID,
		TaskID:         taskID,
		Response:       upstream.AggregateText(events),
		ParsedEvents:   events,
	})
}

// SendStreamSSE handles POST /api/warp/send_stream_sse: each decoded
// upstream event is forwarded as one SSE frame wrapped in {parsed_data:…}.
func (h *BridgeHandler) SendStreamSSE(c *gin.Context) {
	var req bridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := h.encodePacket(&req)
	if err != nil {
		h.logger.Error("packet encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body, err := h.client.Stream(c.Request.Context(), payload)
	if err != nil {
		h.respondUpstreamError(c, err)
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	reader := upstream.NewFrameReader(body)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}

		raw, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("upstream stream read failed", zap.Error(err))
			break
		}
		event, decodeErr := h.runtime.ProtoToDict(raw, "warp.multi_agent.v1.ResponseEvent")
		if decodeErr != nil {
			h.logger.Debug("skipping undecodable event", zap.Error(decodeErr))
			continue
		}
		frame, marshalErr := json.Marshal(gin.H{"parsed_data": event})
		if marshalErr != nil {
			continue
		}
		io.WriteString(c.Writer, "data: ")
		c.Writer.Write(frame)
		io.WriteString(c.Writer, "\n\n")
		c.Writer.Flush()
	}

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// respondUpstreamError surfaces non-200 upstream statuses verbatim; other
// failures map to 502.
func (h *BridgeHandler) respondUpstreamError(c *gin.Context, err error) {
	var httpErr *upstream.HTTPError
	if stderrors.As(err, &httpErr) {
		c.String(httpErr.Status, httpErr.Body)
		return
	}
	h.logger.Error("upstream call failed", zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}
