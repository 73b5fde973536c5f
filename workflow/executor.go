package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/store"
	"github.com/BaSui01/agentmesh/types"
)

// DefaultMaxCycles bounds agent steps per run when no ceiling is configured.
const DefaultMaxCycles = 50

// ExecutorConfig tunes graph execution.
type ExecutorConfig struct {
	// MaxCycles is the agent-step ceiling per run.
	MaxCycles int
}

func (c *ExecutorConfig) applyDefaults() {
	if c.MaxCycles <= 0 {
		c.MaxCycles = DefaultMaxCycles
	}
}

// Executor interprets a graph directly: it validates, then walks nodes from
// start, threading an ExecutionState value and consulting the registry at
// every step.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	runs     store.RunStore
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewExecutor creates an executor. runs and collector may be nil.
func NewExecutor(registry *Registry, config ExecutorConfig, runs store.RunStore, collector *metrics.Collector, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Executor{
		registry: registry,
		config:   config,
		runs:     runs,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "workflow_executor")),
	}
}

// Run executes the graph from its start node. The returned state reflects
// everything that happened up to completion or the failure point.
func (e *Executor) Run(ctx context.Context, graph *Graph, initial ExecutionState) (ExecutionState, error) {
	if errs := graph.Validate(); len(errs) > 0 {
		return initial, validationError(graph.Name, errs)
	}

	rec := newRunRecorder(graph.Name, e.runs, e.metrics, e.logger)
	state := initial
	current := graph.StartNodeID()

	for current != "" {
		if err := ctx.Err(); err != nil {
			return state, rec.finish(ctx, state, store.RunStatusFailed, err)
		}
		if state.CycleCount >= e.config.MaxCycles {
			err := cycleLimitError(graph.Name, e.config.MaxCycles)
			return state, rec.finish(ctx, state, store.RunStatusCycleLimit, err)
		}

		node := graph.Nodes[current]
		state = state.visit(current)

		switch {
		case node.Type == NodeTypeEnd:
			return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)

		case node.Type == NodeTypeStart || node.Type == NodeTypeMerge:
			// pass-through

		case node.Type == NodeTypeAgent:
			handler, ok := e.registry.Handler(node.handlerName())
			if !ok {
				e.logger.Warn("agent handler missing, treating as no-op",
					zap.String("workflow", graph.Name),
					zap.String("node", node.ID),
					zap.String("handler", node.handlerName()),
				)
			} else {
				delta, err := handler(ctx, state, node)
				if err != nil {
					return state, rec.finish(ctx, state, store.RunStatusFailed, err)
				}
				state = state.apply(delta)
			}
			state.CycleCount++

		case node.Type.isRouter():
			condition, ok := e.registry.Condition(node.handlerName())
			if !ok {
				e.logger.Warn("condition handler missing, taking default route",
					zap.String("workflow", graph.Name),
					zap.String("node", node.ID),
					zap.String("handler", node.handlerName()),
				)
				state.RouteResult = ""
			} else {
				label, err := condition(ctx, state, node)
				if err != nil {
					return state, rec.finish(ctx, state, store.RunStatusFailed, err)
				}
				state.RouteResult = label
			}

		case node.Type == NodeTypeAction || node.Type == NodeTypeTool:
			handler, ok := e.registry.Handler(node.handlerName())
			if !ok {
				e.logger.Warn("action handler missing, treating as no-op",
					zap.String("workflow", graph.Name),
					zap.String("node", node.ID),
					zap.String("handler", node.handlerName()),
				)
			} else if _, err := handler(ctx, state, node); err != nil {
				// Actions contribute no state; only their failure matters.
				return state, rec.finish(ctx, state, store.RunStatusFailed, err)
			}
		}

		next, ok := graph.nextNode(current, state.RouteResult)
		state.RouteResult = ""
		if !ok {
			e.logger.Warn("traversal stopped before reaching an end node",
				zap.String("workflow", graph.Name),
				zap.String("node", current),
			)
			return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)
		}
		current = next
	}

	return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)
}

// cycleLimitError builds the terminal error for a runaway run.
func cycleLimitError(workflow string, ceiling int) error {
	return types.NewError(types.ErrCodeCycleLimit,
		fmt.Sprintf("workflow %q hit the cycle ceiling of %d agent steps", workflow, ceiling))
}

// runRecorder carries the bookkeeping of one run: timing, metrics, and the
// optional persisted record.
type runRecorder struct {
	id       string
	workflow string
	started  time.Time
	runs     store.RunStore
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func newRunRecorder(workflow string, runs store.RunStore, collector *metrics.Collector, logger *zap.Logger) *runRecorder {
	return &runRecorder{
		id:       uuid.New().String(),
		workflow: workflow,
		started:  time.Now().UTC(),
		runs:     runs,
		metrics:  collector,
		logger:   logger,
	}
}

// finish records the outcome and returns runErr unchanged so callers can
// `return state, rec.finish(...)`.
func (r *runRecorder) finish(ctx context.Context, state ExecutionState, status string, runErr error) error {
	duration := time.Since(r.started)
	r.metrics.RecordWorkflowRun(r.workflow, status, state.CycleCount, duration)

	r.logger.Info("workflow run finished",
		zap.String("run_id", r.id),
		zap.String("workflow", r.workflow),
		zap.String("status", status),
		zap.Int("cycles", state.CycleCount),
		zap.Duration("duration", duration),
	)

	if r.runs != nil {
		record := store.RunRecord{
			ID:         r.id,
			Workflow:   r.workflow,
			Status:     status,
			Cycles:     state.CycleCount,
			StartedAt:  r.started,
			FinishedAt: time.Now().UTC(),
		}
		if runErr != nil {
			record.Error = runErr.Error()
		}
		if err := r.runs.SaveRun(ctx, record); err != nil {
			r.logger.Warn("failed to persist run record",
				zap.String("run_id", r.id),
				zap.Error(err),
			)
		}
	}
	return runErr
}
