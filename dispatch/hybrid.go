package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

// Mode selects the backend of a HybridDispatcher.
type Mode string

const (
	// ModeLocal always uses the in-memory dispatcher.
	ModeLocal Mode = "local"
	// ModeDistributed always uses Redis and fails when it is unreachable.
	ModeDistributed Mode = "distributed"
	// ModeAuto attempts Redis and silently falls back to local on any
	// connection failure.
	ModeAuto Mode = "auto"
)

// HybridDispatcher presents one dispatch surface over whichever backend its
// mode resolves to. Connect must be called before any other method.
type HybridDispatcher struct {
	mode    Mode
	config  DistributedConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	local       *LocalDispatcher
	distributed *DistributedDispatcher
}

// NewHybridDispatcher creates a hybrid dispatcher in the given mode. The
// distributed config is ignored in ModeLocal.
func NewHybridDispatcher(mode Mode, config DistributedConfig, collector *metrics.Collector, logger *zap.Logger) *HybridDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridDispatcher{
		mode:    mode,
		config:  config,
		logger:  logger.With(zap.String("component", "hybrid_dispatcher")),
		metrics: collector,
	}
}

// Connect resolves the backend. In ModeAuto a Redis connection failure is
// logged and the local backend is constructed instead; in ModeDistributed it
// is returned to the caller.
func (h *HybridDispatcher) Connect(ctx context.Context) error {
	switch h.mode {
	case ModeLocal:
		h.local = NewLocalDispatcher(h.logger)
		return nil

	case ModeDistributed:
		dd, err := NewDistributedDispatcher(h.config, h.metrics, h.logger)
		if err != nil {
			return err
		}
		h.distributed = dd
		return nil

	case ModeAuto:
		dd, err := NewDistributedDispatcher(h.config, h.metrics, h.logger)
		if err != nil {
			h.logger.Warn("redis unavailable, falling back to local dispatch",
				zap.Error(err),
			)
			h.local = NewLocalDispatcher(h.logger)
			return nil
		}
		h.distributed = dd
		return nil

	default:
		return types.NewError(types.ErrCodeDispatch, "unknown dispatcher mode: "+string(h.mode))
	}
}

// Distributed reports whether the active backend is Redis-backed.
func (h *HybridDispatcher) Distributed() bool {
	return h.distributed != nil
}

// Register binds a handler on the active backend.
func (h *HybridDispatcher) Register(agentID string, handler Handler) {
	if h.distributed != nil {
		h.distributed.Register(agentID, handler)
		return
	}
	h.local.Register(agentID, handler)
}

// Unregister removes a handler from the active backend.
func (h *HybridDispatcher) Unregister(agentID string) {
	if h.distributed != nil {
		h.distributed.Unregister(agentID)
		return
	}
	h.local.Unregister(agentID)
}

// Dispatch routes a message through the active backend. On the local backend
// the recipient's reply, if any, is returned directly; on the distributed
// backend Dispatch is fire-and-forget (use DispatchAndWait for a response).
func (h *HybridDispatcher) Dispatch(ctx context.Context, msg types.Message) (*types.Message, error) {
	if h.distributed != nil {
		return nil, h.distributed.Dispatch(ctx, msg)
	}
	reply, err := h.local.Dispatch(ctx, msg)
	if err == nil {
		h.metrics.RecordDispatched("local")
	}
	return reply, err
}

// DispatchAndWait routes a message and waits for a correlated response. On
// the local backend handlers run synchronously, so the reply is immediate.
func (h *HybridDispatcher) DispatchAndWait(ctx context.Context, msg types.Message, timeout time.Duration) (*types.Message, error) {
	if h.distributed != nil {
		return h.distributed.DispatchAndWait(ctx, msg, timeout)
	}
	return h.local.Dispatch(ctx, msg)
}

// StartConsuming begins consuming an agent's stream. On the local backend
// this is a no-op: Dispatch already runs handlers synchronously.
func (h *HybridDispatcher) StartConsuming(agentID string) error {
	if h.distributed == nil {
		return nil
	}
	return h.distributed.StartConsuming(agentID)
}

// Close stops background loops and releases backend resources.
func (h *HybridDispatcher) Close() error {
	if h.distributed != nil {
		return h.distributed.Close()
	}
	return nil
}
