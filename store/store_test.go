package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentmesh/types"
)

// both implementations must satisfy both interfaces
var (
	_ MessageStore = (*MemoryStore)(nil)
	_ RunStore     = (*MemoryStore)(nil)
	_ MessageStore = (*GormStore)(nil)
	_ RunStore     = (*GormStore)(nil)
)

type combinedStore interface {
	MessageStore
	RunStore
}

func runStoreSuite(t *testing.T, s combinedStore) {
	ctx := context.Background()

	t.Run("message round trip", func(t *testing.T) {
		msg := types.NewMessage(types.MessageTypeProposal, "alice", "bob",
			map[string]any{"proposal": "ship it"})
		msg = msg.WithMetadata("room", "r1")

		require.NoError(t, s.SaveMessage(ctx, msg))

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, types.MessageTypeProposal, got.Type)
		assert.Equal(t, "alice", got.SenderID)
		assert.Equal(t, map[string]any{"proposal": "ship it"}, got.Content)
		assert.Equal(t, "r1", got.Metadata["room"])
	})

	t.Run("missing message", func(t *testing.T) {
		_, err := s.GetMessage(ctx, "no-such-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid message rejected", func(t *testing.T) {
		err := s.SaveMessage(ctx, types.Message{ID: "x"})
		require.Error(t, err)
	})

	t.Run("list by correlation", func(t *testing.T) {
		original := types.NewMessage(types.MessageTypeUser, "alice", "bob", "question")
		require.NoError(t, s.SaveMessage(ctx, original))

		first := original.Reply(types.MessageTypeSystem, "thinking", "bob")
		second := original.Reply(types.MessageTypeSystem, "answer", "bob")
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		require.NoError(t, s.SaveMessage(ctx, first))
		require.NoError(t, s.SaveMessage(ctx, second))

		thread, err := s.ListByCorrelation(ctx, original.ID)
		require.NoError(t, err)
		require.Len(t, thread, 2)
		assert.Equal(t, first.ID, thread[0].ID)
		assert.Equal(t, second.ID, thread[1].ID)
	})

	t.Run("run records", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Second)
		runs := []RunRecord{
			{ID: "r1", Workflow: "review", Status: RunStatusCompleted, Cycles: 3,
				StartedAt: base, FinishedAt: base.Add(time.Second)},
			{ID: "r2", Workflow: "review", Status: RunStatusCycleLimit, Cycles: 50,
				Error: "cycle ceiling reached", StartedAt: base.Add(time.Minute)},
			{ID: "r3", Workflow: "other", Status: RunStatusCompleted,
				StartedAt: base.Add(2 * time.Minute)},
		}
		for _, run := range runs {
			require.NoError(t, s.SaveRun(ctx, run))
		}

		got, err := s.GetRun(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, RunStatusCycleLimit, got.Status)
		assert.Equal(t, 50, got.Cycles)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		listed, err := s.ListRuns(ctx, "review", 0)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "r2", listed[0].ID, "newest first")

		limited, err := s.ListRuns(ctx, "review", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	runStoreSuite(t, s)
}
