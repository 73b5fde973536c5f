package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

func TestCompiledGraph_MatchesInterpreter(t *testing.T) {
	directRegistry := NewRegistry()
	approveOnThird(directRegistry)
	compiledRegistry := NewRegistry()
	approveOnThird(compiledRegistry)

	directState, directErr := NewExecutor(directRegistry, ExecutorConfig{}, nil, nil, zap.NewNop()).
		Run(context.Background(), reviewGraph(), NewExecutionState(nil))

	compiled, err := NewCompiler(compiledRegistry, ExecutorConfig{}, nil, nil, zap.NewNop()).
		Compile(reviewGraph())
	require.NoError(t, err)
	compiledState, compiledErr := compiled.Run(context.Background(), NewExecutionState(nil))

	require.NoError(t, directErr)
	require.NoError(t, compiledErr)
	assert.Equal(t, directState.CycleCount, compiledState.CycleCount)
	assert.Equal(t, directState.History, compiledState.History)
	assert.Len(t, compiledState.Messages, len(directState.Messages))
}

func TestCompiler_RejectsInvalidGraph(t *testing.T) {
	g := NewGraph("invalid").AddNode(Node{ID: "a", Type: NodeTypeAgent})

	_, err := NewCompiler(NewRegistry(), ExecutorConfig{}, nil, nil, zap.NewNop()).Compile(g)

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeGraphValidation, types.GetErrorCode(err))
}

func TestCompiledGraph_CycleCeilingRoutesToEnd(t *testing.T) {
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

	compiled, err := NewCompiler(registry, ExecutorConfig{MaxCycles: 5}, nil, nil, zap.NewNop()).Compile(g)
	require.NoError(t, err)

	state, runErr := compiled.Run(context.Background(), NewExecutionState(nil))

	require.Error(t, runErr)
	assert.Equal(t, types.ErrCodeCycleLimit, types.GetErrorCode(runErr))
	assert.Equal(t, 5, state.CycleCount)
	assert.Equal(t, "end", state.History[len(state.History)-1],
		"the exceeded fallback path lands on an end node")
}

func TestCompiledGraph_UserExceededEdgeWins(t *testing.T) {
	// The graph routes its own "exceeded" label to a dedicated end node.
	g := NewGraph("custom-exceeded").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddNode(Node{ID: "aa_end", Type: NodeTypeEnd}).
		AddNode(Node{ID: "zz_abandon", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "zz_abandon", Condition: routeExceeded})

	registry := NewRegistry()
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		return Delta{}, nil
	})

	compiled, err := NewCompiler(registry, ExecutorConfig{MaxCycles: 2}, nil, nil, zap.NewNop()).Compile(g)
	require.NoError(t, err)

	state, runErr := compiled.Run(context.Background(), NewExecutionState(nil))

	require.Error(t, runErr)
	assert.Equal(t, "zz_abandon", state.History[len(state.History)-1],
		"a graph-authored exceeded edge overrides the default wiring")
}

func TestCompiledGraph_HandlersResolvedAtCompileTime(t *testing.T) {
	g := NewGraph("late").
		AddNode(Node{ID: "start", Type: NodeTypeStart}).
		AddNode(Node{ID: "a", Type: NodeTypeAgent}).
		AddNode(Node{ID: "end", Type: NodeTypeEnd}).
		AddEdge(Edge{Source: "start", Target: "a"}).
		AddEdge(Edge{Source: "a", Target: "end"})

	registry := NewRegistry()
	compiled, err := NewCompiler(registry, ExecutorConfig{}, nil, nil, zap.NewNop()).Compile(g)
	require.NoError(t, err)

	// Registered after compilation, so the compiled graph never sees it.
	invoked := false
	registry.RegisterHandler("a", func(ctx context.Context, state ExecutionState, node Node) (Delta, error) {
		invoked = true
		return Delta{}, nil
	})

	state, runErr := compiled.Run(context.Background(), NewExecutionState(nil))

	require.NoError(t, runErr, "a node without a callback degrades to a no-op")
	assert.False(t, invoked)
	assert.Equal(t, 1, state.CycleCount)
}
