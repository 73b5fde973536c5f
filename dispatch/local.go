package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// Handler processes a message addressed to one agent and optionally returns a
// reply. A nil reply with a nil error means the message was consumed.
type Handler func(ctx context.Context, msg types.Message) (*types.Message, error)

// Middleware observes or rewrites a message before routing. A middleware
// error is logged and skipped; it never stops the chain.
type Middleware func(ctx context.Context, msg types.Message) (types.Message, error)

// LocalDispatcher is an in-memory pub/sub dispatcher keyed by agent id.
// Dispatch runs handlers synchronously, so in-process call order is
// preserved: Dispatch fully completes before returning.
type LocalDispatcher struct {
	logger *zap.Logger

	mu               sync.RWMutex
	handlers         map[string]Handler
	broadcastHandler Handler
	middleware       []Middleware
}

// NewLocalDispatcher creates an in-memory dispatcher.
func NewLocalDispatcher(logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{
		logger:   logger.With(zap.String("component", "local_dispatcher")),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an agent id, replacing any previous binding.
func (d *LocalDispatcher) Register(agentID string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[agentID] = handler
}

// Unregister removes the handler for an agent id.
func (d *LocalDispatcher) Unregister(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, agentID)
}

// SetBroadcastHandler binds the handler invoked for broadcast messages.
func (d *LocalDispatcher) SetBroadcastHandler(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastHandler = handler
}

// Use appends a middleware to the chain. Middleware runs in registration
// order on every Dispatch.
func (d *LocalDispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

// Registered reports whether a handler exists for the agent id.
func (d *LocalDispatcher) Registered(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[agentID]
	return ok
}

// Dispatch routes a message. Broadcast messages go to the broadcast handler
// only; fan-out messages go to every registered handler except the sender's,
// each failure isolated; direct messages go to the recipient's handler, whose
// reply (if any) is returned. A missing handler and a failing handler are
// both soft: logged, nil result.
func (d *LocalDispatcher) Dispatch(ctx context.Context, msg types.Message) (*types.Message, error) {
	msg = d.applyMiddleware(ctx, msg)

	switch {
	case msg.IsBroadcast():
		d.mu.RLock()
		handler := d.broadcastHandler
		d.mu.RUnlock()

		if handler == nil {
			return nil, nil
		}
		if _, err := handler(ctx, msg); err != nil {
			d.logger.Error("broadcast handler failed",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		return nil, nil

	case msg.IsFanout():
		d.mu.RLock()
		targets := make(map[string]Handler, len(d.handlers))
		for id, h := range d.handlers {
			if id != msg.SenderID {
				targets[id] = h
			}
		}
		d.mu.RUnlock()

		for id, handler := range targets {
			if _, err := handler(ctx, msg); err != nil {
				d.logger.Error("fan-out handler failed",
					zap.String("agent_id", id),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
		return nil, nil

	default:
		d.mu.RLock()
		handler, ok := d.handlers[msg.RecipientID]
		d.mu.RUnlock()

		if !ok {
			d.logger.Warn("no handler registered for recipient",
				zap.String("recipient_id", msg.RecipientID),
				zap.String("message_id", msg.ID),
			)
			return nil, nil
		}

		reply, err := handler(ctx, msg)
		if err != nil {
			d.logger.Error("handler failed",
				zap.String("recipient_id", msg.RecipientID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return nil, nil
		}
		return reply, nil
	}
}

// applyMiddleware runs the chain in registration order. Each middleware's
// error is logged and does not stop the chain.
func (d *LocalDispatcher) applyMiddleware(ctx context.Context, msg types.Message) types.Message {
	d.mu.RLock()
	chain := d.middleware
	d.mu.RUnlock()

	for i, mw := range chain {
		next, err := mw(ctx, msg)
		if err != nil {
			d.logger.Warn("middleware failed, skipping",
				zap.Int("middleware_index", i),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		msg = next
	}
	return msg
}
