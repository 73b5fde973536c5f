package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/store"
)

// routeExceeded is the fallback label every compiled route table carries,
// wired to an end node. The runtime takes it when the cycle ceiling is hit.
const routeExceeded = "exceeded"

// compiledNode is one pre-resolved step: its callback looked up once at
// compile time and its outgoing edges lowered into a label-to-target table.
type compiledNode struct {
	node      Node
	handler   NodeHandler
	condition ConditionHandler
	// routes maps a route label to its target; priority ties were already
	// broken at compile time.
	routes map[string]string
	// fallback is the unconditional edge target, "" when none exists.
	fallback string
	// exceeded is where the runtime jumps when the cycle ceiling is hit:
	// the node's own "exceeded" edge when one exists, an end node otherwise.
	exceeded string
}

// next mirrors the interpreter's edge selection against the lowered table.
func (cn *compiledNode) next(label string) (string, bool) {
	if label != "" {
		if target, ok := cn.routes[label]; ok {
			return target, true
		}
	}
	if cn.fallback != "" {
		return cn.fallback, true
	}
	return "", false
}

// Compiler lowers a validated graph into a CompiledGraph for repeated runs.
type Compiler struct {
	registry *Registry
	config   ExecutorConfig
	runs     store.RunStore
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewCompiler creates a compiler. runs and collector may be nil.
func NewCompiler(registry *Registry, config ExecutorConfig, runs store.RunStore, collector *metrics.Collector, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Compiler{
		registry: registry,
		config:   config,
		runs:     runs,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "workflow_compiler")),
	}
}

// Compile validates the graph and resolves every node's callback and route
// table up front. Handlers registered after Compile are not seen by the
// compiled graph.
func (c *Compiler) Compile(graph *Graph) (*CompiledGraph, error) {
	if errs := graph.Validate(); len(errs) > 0 {
		return nil, validationError(graph.Name, errs)
	}

	end := graph.endNodeID()
	nodes := make(map[string]*compiledNode, len(graph.Nodes))

	for id, node := range graph.Nodes {
		cn := &compiledNode{node: node, routes: make(map[string]string)}

		switch {
		case node.Type == NodeTypeAgent, node.Type == NodeTypeAction, node.Type == NodeTypeTool:
			handler, ok := c.registry.Handler(node.handlerName())
			if !ok {
				c.logger.Warn("handler missing at compile time, node lowered to no-op",
					zap.String("workflow", graph.Name),
					zap.String("node", node.ID),
					zap.String("handler", node.handlerName()),
				)
			}
			cn.handler = handler
		case node.Type.isRouter():
			condition, ok := c.registry.Condition(node.handlerName())
			if !ok {
				c.logger.Warn("condition missing at compile time, node lowered to default route",
					zap.String("workflow", graph.Name),
					zap.String("node", node.ID),
					zap.String("handler", node.handlerName()),
				)
			}
			cn.condition = condition
		}

		// Edges come back highest priority first, so the first writer of a
		// label wins, matching the interpreter's tie-break.
		for _, edge := range graph.outgoing(id) {
			if edge.Condition == "" {
				if cn.fallback == "" {
					cn.fallback = edge.Target
				}
				continue
			}
			if _, taken := cn.routes[edge.Condition]; !taken {
				cn.routes[edge.Condition] = edge.Target
			}
		}
		cn.exceeded = end
		if target, ok := cn.routes[routeExceeded]; ok {
			cn.exceeded = target
		}

		nodes[id] = cn
	}

	return &CompiledGraph{
		name:      graph.Name,
		start:     graph.StartNodeID(),
		nodes:     nodes,
		maxCycles: c.config.MaxCycles,
		runs:      c.runs,
		metrics:   c.metrics,
		logger:    c.logger.With(zap.String("workflow", graph.Name)),
	}, nil
}

// CompiledGraph executes with semantics identical to Executor.Run: same cycle
// ceiling, same route matching, same tolerance of missing handlers. It is
// safe for concurrent runs since all state lives in the ExecutionState value.
type CompiledGraph struct {
	name      string
	start     string
	nodes     map[string]*compiledNode
	maxCycles int
	runs      store.RunStore
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Name returns the workflow name the graph was compiled from.
func (g *CompiledGraph) Name() string { return g.name }

// Run executes the compiled graph from its start node.
func (g *CompiledGraph) Run(ctx context.Context, initial ExecutionState) (ExecutionState, error) {
	rec := newRunRecorder(g.name, g.runs, g.metrics, g.logger)
	state := initial
	current := g.start

	for current != "" {
		cn := g.nodes[current]

		if err := ctx.Err(); err != nil {
			return state, rec.finish(ctx, state, store.RunStatusFailed, err)
		}
		if state.CycleCount >= g.maxCycles {
			// Take the wired exceeded path so the terminal end node is
			// recorded, then surface the cycle error.
			if cn.exceeded != "" {
				state = state.visit(cn.exceeded)
			}
			err := cycleLimitError(g.name, g.maxCycles)
			return state, rec.finish(ctx, state, store.RunStatusCycleLimit, err)
		}

		state = state.visit(current)

		switch {
		case cn.node.Type == NodeTypeEnd:
			return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)

		case cn.node.Type == NodeTypeStart || cn.node.Type == NodeTypeMerge:
			// pass-through

		case cn.node.Type == NodeTypeAgent:
			if cn.handler == nil {
				g.logger.Warn("agent callback absent, treating as no-op",
					zap.String("node", cn.node.ID))
			} else {
				delta, err := cn.handler(ctx, state, cn.node)
				if err != nil {
					return state, rec.finish(ctx, state, store.RunStatusFailed, err)
				}
				state = state.apply(delta)
			}
			state.CycleCount++

		case cn.node.Type.isRouter():
			if cn.condition == nil {
				g.logger.Warn("condition callback absent, taking default route",
					zap.String("node", cn.node.ID))
				state.RouteResult = ""
			} else {
				label, err := cn.condition(ctx, state, cn.node)
				if err != nil {
					return state, rec.finish(ctx, state, store.RunStatusFailed, err)
				}
				state.RouteResult = label
			}

		case cn.node.Type == NodeTypeAction || cn.node.Type == NodeTypeTool:
			if cn.handler == nil {
				g.logger.Warn("action callback absent, treating as no-op",
					zap.String("node", cn.node.ID))
			} else if _, err := cn.handler(ctx, state, cn.node); err != nil {
				return state, rec.finish(ctx, state, store.RunStatusFailed, err)
			}
		}

		next, ok := cn.next(state.RouteResult)
		state.RouteResult = ""
		if !ok {
			g.logger.Warn("traversal stopped before reaching an end node",
				zap.String("node", current))
			return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)
		}
		current = next
	}

	return state, rec.finish(ctx, state, store.RunStatusCompleted, nil)
}
