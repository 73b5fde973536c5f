package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

func TestHybridDispatcher_LocalMode(t *testing.T) {
	h := NewHybridDispatcher(ModeLocal, DistributedConfig{}, nil, zap.NewNop())
	require.NoError(t, h.Connect(context.Background()))
	assert.False(t, h.Distributed())

	h.Register("bob", func(ctx context.Context, msg types.Message) (*types.Message, error) {
		reply := msg.Reply(types.MessageTypeSystem, "ack", "bob")
		return &reply, nil
	})

	// Local mode runs handlers synchronously, so Dispatch returns the reply
	// and StartConsuming is a no-op.
	require.NoError(t, h.StartConsuming("bob"))

	msg := types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi")
	reply, err := h.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, msg.ID, reply.CorrelationID)
}

func TestHybridDispatcher_DistributedModeFailsWithoutRedis(t *testing.T) {
	config := DefaultDistributedConfig("redis://127.0.0.1:1")
	h := NewHybridDispatcher(ModeDistributed, config, nil, zap.NewNop())

	err := h.Connect(context.Background())
	require.Error(t, err, "distributed mode must surface a connection failure")
}

func TestHybridDispatcher_AutoFallsBackToLocal(t *testing.T) {
	config := DefaultDistributedConfig("redis://127.0.0.1:1")
	h := NewHybridDispatcher(ModeAuto, config, nil, zap.NewNop())

	require.NoError(t, h.Connect(context.Background()), "auto mode swallows the connection failure")
	assert.False(t, h.Distributed())

	h.Register("bob", func(ctx context.Context, msg types.Message) (*types.Message, error) {
		reply := msg.Reply(types.MessageTypeSystem, "ack", "bob")
		return &reply, nil
	})

	reply, err := h.DispatchAndWait(context.Background(),
		types.NewMessage(types.MessageTypeUser, "alice", "bob", "hi"), time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
}

func TestHybridDispatcher_AutoPrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config := DefaultDistributedConfig("redis://" + mr.Addr())
	config.BlockTimeout = 50 * time.Millisecond

	h := NewHybridDispatcher(ModeAuto, config, nil, zap.NewNop())
	require.NoError(t, h.Connect(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	assert.True(t, h.Distributed())
}

func TestHybridDispatcher_UnknownMode(t *testing.T) {
	h := NewHybridDispatcher(Mode("bogus"), DistributedConfig{}, nil, zap.NewNop())
	err := h.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDispatch, types.GetErrorCode(err))
}
