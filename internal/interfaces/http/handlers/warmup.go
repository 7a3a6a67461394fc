package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warpgate/warpgate/internal/domain/warp"
	"github.com/warpgate/warpgate/pkg/errors"
)

// WarmupConfig 预热参数
type WarmupConfig struct {
	InitRetries   int
	InitDelay     time.Duration
	WarmupRetries int
	WarmupDelay   time.Duration
}

// Warmup establishes the upstream conversation baseline once per process:
// wait for the bridge to answer health checks, then send a one-shot
// "warmup" query and record the returned ids. Concurrent requests share one
// initialization.
type Warmup struct {
	logger *zap.Logger
	state  *warp.State
	bridge *BridgeClient
	cfg    WarmupConfig
	group  singleflight.Group
}

func NewWarmup(state *warp.State, bridge *BridgeClient, cfg WarmupConfig, logger *zap.Logger) *Warmup {
	if cfg.InitRetries <= 0 {
		cfg.InitRetries = 10
	}
	if cfg.InitDelay <= 0 {
		cfg.InitDelay = 500 * time.Millisecond
	}
	if cfg.WarmupRetries <= 0 {
		cfg.WarmupRetries = 3
	}
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = 1500 * time.Millisecond
	}
	return &Warmup{logger: logger, state: state, bridge: bridge, cfg: cfg}
}

// EnsureInitialized runs the warmup unless a conversation already exists.
func (w *Warmup) EnsureInitialized(ctx context.Context) error {
	if w.state.Initialized() {
		return nil
	}
	_, err, _ := w.group.Do("warmup", func() (any, error) {
		if w.state.Initialized() {
			return nil, nil
		}
		return nil, w.initialize(ctx)
	})
	return err
}

func (w *Warmup) initialize(ctx context.Context) error {
	w.state.EnsureToolIDs()
	taskID := w.state.BaselineOrNewTaskID()

	if err := w.waitForBridge(ctx); err != nil {
		return err
	}

	packet := warp.PacketTemplate()
	packet["task_context"].(map[string]any)["active_task_id"] = taskID
	inputs := packet["input"].(map[string]any)["user_inputs"].(map[string]any)
	inputs["inputs"] = append(inputs["inputs"].([]any),
		map[string]any{"user_query": map[string]any{"query": "warmup"}})

	var resp *BridgeResponse
	var err error
	for attempt := 1; attempt <= w.cfg.WarmupRetries; attempt++ {
		resp, err = w.bridge.SendStream(ctx, packet)
		if err == nil {
			break
		}
		w.logger.Warn("warmup attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max", w.cfg.WarmupRetries),
			zap.Error(err))
		if attempt < w.cfg.WarmupRetries {
			select {
			case <-time.After(w.cfg.WarmupDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err != nil {
		return err
	}

	w.state.Update(resp.ConversationID, resp.TaskID)
	w.logger.Info("warmup complete",
		zap.String("conversation_id", resp.ConversationID),
		zap.String("task_id", resp.TaskID))
	return nil
}

func (w *Warmup) waitForBridge(ctx context.Context) error {
	for i := 0; i < w.cfg.InitRetries; i++ {
		if w.bridge.Healthz(ctx) {
			return nil
		}
		select {
		case <-time.After(w.cfg.InitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New(errors.CodeUpstreamTransport, "bridge server not ready")
}
