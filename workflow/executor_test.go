package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/store"
	"github.com/BaSui01/agentmesh/types"
)

// reviewGraph is start -> agentA -> router(is_approved) -> {approved: end,
// rejected: agentA}.
func reviewGraph() *Graph {
	return NewGraph("review").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "agentA", Type: NodeTypeAgent}).
		AddNode(Node{ID: "router", Type: NodeTypeRouter, Handler: "is_approved"}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "agentA"}).
		AddEdge(Edge{Source: "agentA", Target: "router"}).
		AddEdge(Edge{Source: "router", Target: "end", Condition: "approved"}).
		AddEdge(Edge{Source: "router", Target: "agentA", Condition: "rejected"})
}

// approveOnThird registers an agentA handler that produces two rejected
// evaluations and then an approved one.
func approveOnThird(registry *Registry) {
	attempts := 0
	registry.RegisterHandler("agentA", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		attempts++
		msg := types.NewMessage(types.MessageTypeEvaluationResult, "agentA", "room",
			types.EvaluationResult{Approved: attempts >= 3})
		return Delta{Messages: []types.Message{msg}, LastResult: attempts}, nil
	})
}

func TestExecutor_ReviewLoopCompletesAfterThreeCycles(t *testing.T) {
	registry := NewRegistry()
	approveOnThird(registry)
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	state, err := e.Run(context.Background(), reviewGraph(), NewExecutionState(nil))

	require.NoError(t, err)
	assert.Equal(t, 3, state.CycleCount)
	assert.Len(t, state.Messages, 3)
	assert.Equal(t, "end", state.History[len(state.History)-1])
}

func TestExecutor_CycleCeilingAborts(t *testing.T) {
	// The end node exists but is unreachable from the loop.
	g := NewGraph("runaway").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "a"})

	registry := NewRegistry()
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		return Delta{}, nil
	})
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	state, err := e.Run(context.Background(), g, NewExecutionState(nil))

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeCycleLimit, types.GetErrorCode(err))
	assert.Equal(t, DefaultMaxCycles, state.CycleCount)
}

func TestExecutor_InvalidGraphRefusedBeforeExecution(t *testing.T) {
	g := NewGraph("invalid").
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddEdge(Edge{Source: "a", Target: "ghost"})

	registry := NewRegistry()
	invoked := false
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		invoked = true
		return Delta{}, nil
	})
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	_, err := e.Run(context.Background(), g, NewExecutionState(nil))

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeGraphValidation, types.GetErrorCode(err))
	assert.False(t, invoked, "nothing executes when validation fails")
}

func TestExecutor_MissingHandlersAreNoOps(t *testing.T) {
	g := NewGraph("partial").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent, Handler: "unregistered"}).
		AddNode(Node{ID: "r", Type: NodeTypeRouter, Handler: "also_unregistered"}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "r"}).
		AddEdge(Edge{Source: "r", Target: "end"})

	e := NewExecutor(NewRegistry(), ExecutorConfig{}, nil, nil, zap.NewNop())

	state, err := e.Run(context.Background(), g, NewExecutionState(nil))

	require.NoError(t, err, "partially configured graphs degrade, never crash")
	assert.Equal(t, []string{"start", "a", "r", "end"}, state.History)
	assert.Equal(t, 1, state.CycleCount, "a no-op agent step still counts a cycle")
}

func TestExecutor_StatePurity(t *testing.T) {
	g := NewGraph("pure").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "end"})

	registry := NewRegistry()
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		return Delta{Scratch: map[string]any{"seen": true}}, nil
	})
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	initial := NewExecutionState(map[string]any{"input": "x"})
	final, err := e.Run(context.Background(), g, initial)

	require.NoError(t, err)
	assert.Equal(t, true, final.Scratch["seen"])
	assert.Equal(t, "x", final.Scratch["input"])

	// The caller's state is untouched: each step merged onto a copy.
	assert.Empty(t, initial.History)
	assert.NotContains(t, initial.Scratch, "seen")
}

func TestExecutor_MergeAndToolNodes(t *testing.T) {
	g := NewGraph("mixed").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "join", Type: NodeTypeMerge}).
		AddNode(Node{ID: "notify", Type: NodeTypeTool}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "join"}).
		AddEdge(Edge{Source: "join", Target: "notify"}).
		AddEdge(Edge{Source: "notify", Target: "end"})

	registry := NewRegistry()
	sideEffects := 0
	registry.RegisterHandler("notify", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		sideEffects++
		return Delta{Scratch: map[string]any{"leak": true}}, nil
	})
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	state, err := e.Run(context.Background(), g, NewExecutionState(nil))

	require.NoError(t, err)
	assert.Equal(t, 1, sideEffects)
	assert.Zero(t, state.CycleCount, "tool steps do not consume cycles")
	assert.NotContains(t, state.Scratch, "leak", "tool results do not contribute to state")
}

func TestExecutor_HandlerErrorFailsRun(t *testing.T) {
	g := NewGraph("failing").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "end"})

	registry := NewRegistry()
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		return Delta{}, types.NewError(types.ErrCodeDispatch, "backend down")
	})
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	_, err := e.Run(context.Background(), g, NewExecutionState(nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDispatch, types.GetErrorCode(err))
}

func TestExecutor_PersistsRunRecords(t *testing.T) {
	registry := NewRegistry()
	approveOnThird(registry)
	runs := store.NewMemoryStore()
	e := NewExecutor(registry, ExecutorConfig{}, runs, nil, zap.NewNop())

	_, err := e.Run(context.Background(), reviewGraph(), NewExecutionState(nil))
	require.NoError(t, err)

	records, err := runs.ListRuns(context.Background(), "review", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.RunStatusCompleted, records[0].Status)
	assert.Equal(t, 3, records[0].Cycles)
}

func TestExecutor_CancelledContextStopsRun(t *testing.T) {
	registry := NewRegistry()
	approveOnThird(registry)
	e := NewExecutor(registry, ExecutorConfig{}, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, reviewGraph(), NewExecutionState(nil))
	require.ErrorIs(t, err, context.Canceled)
}
