package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

func echoHandler(calls *atomic.Int64) Handler {
	return func(ctx context.Context, msg types.Message) (*types.Message, error) {
		calls.Add(1)
		reply := msg.Reply(types.MessageTypeSystem, "ack", msg.RecipientID)
		return &reply, nil
	}
}

func TestLocalDispatcher_DirectDelivery(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	var calls atomic.Int64
	d.Register("bob", echoHandler(&calls))

	msg := types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi")
	reply, err := d.Dispatch(context.Background(), msg)

	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, msg.ID, reply.CorrelationID)
	assert.Equal(t, int64(1), calls.Load())
}

func TestLocalDispatcher_MissingHandlerIsSoft(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	msg := types.NewMessage(types.MessageTypeUser, "alice", "teacher", "anyone there?")
	reply, err := d.Dispatch(context.Background(), msg)

	require.NoError(t, err, "missing handler must not raise")
	assert.Nil(t, reply)
}

func TestLocalDispatcher_HandlerErrorIsSoft(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())
	d.Register("bob", func(ctx context.Context, msg types.Message) (*types.Message, error) {
		return nil, errors.New("boom")
	})

	reply, err := d.Dispatch(context.Background(), types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi"))

	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestLocalDispatcher_BroadcastOnlyHitsBroadcastHandler(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	var agentCalls, broadcastCalls atomic.Int64
	d.Register("bob", echoHandler(&agentCalls))
	d.SetBroadcastHandler(func(ctx context.Context, msg types.Message) (*types.Message, error) {
		broadcastCalls.Add(1)
		return nil, nil
	})

	reply, err := d.Dispatch(context.Background(),
		types.NewMessage(types.MessageTypeBroadcast, "alice", types.RecipientBroadcast, "hello all"))

	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, int64(1), broadcastCalls.Load())
	assert.Zero(t, agentCalls.Load(), "per-agent handlers must not see broadcasts")
}

func TestLocalDispatcher_BroadcastWithoutHandlerIsNoop(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	reply, err := d.Dispatch(context.Background(),
		types.NewMessage(types.MessageTypeBroadcast, "alice", types.RecipientBroadcast, "hello"))

	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestLocalDispatcher_FanoutSkipsSenderAndIsolatesFailures(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	var aliceCalls, bobCalls, carolCalls atomic.Int64
	d.Register("alice", echoHandler(&aliceCalls))
	d.Register("bob", func(ctx context.Context, msg types.Message) (*types.Message, error) {
		bobCalls.Add(1)
		return nil, errors.New("bob is broken")
	})
	d.Register("carol", echoHandler(&carolCalls))

	reply, err := d.Dispatch(context.Background(),
		types.NewMessage(types.MessageTypeSystem, "alice", types.RecipientAll, "maintenance"))

	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, aliceCalls.Load(), "sender must not receive its own fan-out")
	assert.Equal(t, int64(1), bobCalls.Load())
	assert.Equal(t, int64(1), carolCalls.Load(), "one failing handler must not block the others")
}

func TestLocalDispatcher_MiddlewareOrderAndIsolation(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	var order []string
	d.Use(func(ctx context.Context, msg types.Message) (types.Message, error) {
		order = append(order, "first")
		return msg.WithMetadata("traced", true), nil
	})
	d.Use(func(ctx context.Context, msg types.Message) (types.Message, error) {
		order = append(order, "second")
		return msg, errors.New("middleware hiccup")
	})
	d.Use(func(ctx context.Context, msg types.Message) (types.Message, error) {
		order = append(order, "third")
		return msg, nil
	})

	var seen types.Message
	d.Register("bob", func(ctx context.Context, msg types.Message) (*types.Message, error) {
		seen = msg
		return nil, nil
	})

	_, err := d.Dispatch(context.Background(), types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi"))

	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order, "a failing middleware must not stop the chain")
	assert.Equal(t, true, seen.Metadata["traced"], "middleware rewrites survive a later failure")
}

func TestLocalDispatcher_Unregister(t *testing.T) {
	d := NewLocalDispatcher(zap.NewNop())

	var calls atomic.Int64
	d.Register("bob", echoHandler(&calls))
	require.True(t, d.Registered("bob"))

	d.Unregister("bob")
	assert.False(t, d.Registered("bob"))

	reply, err := d.Dispatch(context.Background(), types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi"))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, calls.Load())
}
