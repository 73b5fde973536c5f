package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentmesh/types"
)

// NodeType classifies a graph node.
type NodeType string

const (
	// NodeTypeStart marks the single entry point of a graph.
	NodeTypeStart NodeType = "start"
	// NodeTypeEnd terminates a run successfully.
	NodeTypeEnd NodeType = "end"
	// NodeTypeAgent invokes a message-producing handler and counts toward
	// the cycle ceiling.
	NodeTypeAgent NodeType = "agent"
	// NodeTypeRouter invokes a condition handler whose label selects the
	// outgoing edge.
	NodeTypeRouter NodeType = "router"
	// NodeTypeCondition is an accepted alias for router.
	NodeTypeCondition NodeType = "condition"
	// NodeTypeAction invokes a side-effecting handler; its result does not
	// contribute to the run state.
	NodeTypeAction NodeType = "action"
	// NodeTypeMerge joins converging branches; a pass-through.
	NodeTypeMerge NodeType = "merge"
	// NodeTypeTool behaves like action.
	NodeTypeTool NodeType = "tool"
)

// IsValid reports whether t is a known node type.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeAgent, NodeTypeRouter,
		NodeTypeCondition, NodeTypeAction, NodeTypeMerge, NodeTypeTool:
		return true
	}
	return false
}

// isRouter treats the condition alias as a router.
func (t NodeType) isRouter() bool {
	return t == NodeTypeRouter || t == NodeTypeCondition
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID string `json:"id" yaml:"id"`
	// Type selects the node behavior during traversal.
	Type NodeType `json:"type" yaml:"type"`
	// Handler names the registered handler or condition this node invokes.
	// Empty means the node's own ID.
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
	// Config is free-form, passed to the handler untouched.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// handlerName resolves the registry key this node invokes.
func (n Node) handlerName() string {
	if n.Handler != "" {
		return n.Handler
	}
	return n.ID
}

// Edge is one directed connection between two nodes.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	// Condition is the route label this edge matches. Empty means
	// unconditional.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Priority breaks ties between edges matching the same label; higher
	// wins.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Graph is a declarative workflow: typed nodes joined by labeled edges.
// Cycles are legal; the executors bound them at run time.
type Graph struct {
	Name  string          `json:"name" yaml:"name"`
	Nodes map[string]Node `json:"-" yaml:"-"`
	Edges []Edge          `json:"edges" yaml:"edges"`
}

// graphDefinition is the externally-authored wire shape: nodes as a list.
type graphDefinition struct {
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, Nodes: make(map[string]Node)}
}

// AddNode adds or replaces a node and returns the graph for chaining.
func (g *Graph) AddNode(node Node) *Graph {
	g.Nodes[node.ID] = node
	return g
}

// AddEdge appends an edge and returns the graph for chaining.
func (g *Graph) AddEdge(edge Edge) *Graph {
	g.Edges = append(g.Edges, edge)
	return g
}

// StartNodeID returns the ID of the start node, or "" when absent.
func (g *Graph) StartNodeID() string {
	for id, node := range g.Nodes {
		if node.Type == NodeTypeStart {
			return id
		}
	}
	return ""
}

// endNodeID returns a deterministic END node ID, or "" when absent.
func (g *Graph) endNodeID() string {
	ids := make([]string, 0)
	for id, node := range g.Nodes {
		if node.Type == NodeTypeEnd {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// Validate checks structural invariants and returns every violation found:
// exactly one start node, at least one end node, valid node types, and edge
// endpoints that exist. An empty slice means the graph may run.
func (g *Graph) Validate() []error {
	var errs []error

	starts, ends := 0, 0
	for id, node := range g.Nodes {
		if node.ID != id {
			errs = append(errs, fmt.Errorf("node %q registered under key %q", node.ID, id))
		}
		if !node.Type.IsValid() {
			errs = append(errs, fmt.Errorf("node %q has unknown type %q", id, node.Type))
		}
		switch node.Type {
		case NodeTypeStart:
			starts++
		case NodeTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		errs = append(errs, fmt.Errorf("graph must have exactly one start node, found %d", starts))
	}
	if ends == 0 {
		errs = append(errs, fmt.Errorf("graph must have at least one end node"))
	}

	for i, edge := range g.Edges {
		if _, ok := g.Nodes[edge.Source]; !ok {
			errs = append(errs, fmt.Errorf("edge %d references unknown source %q", i, edge.Source))
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			errs = append(errs, fmt.Errorf("edge %d references unknown target %q", i, edge.Target))
		}
	}

	return errs
}

// validationError folds a non-empty violation list into one typed error.
func validationError(name string, errs []error) error {
	msg := fmt.Sprintf("graph %q is invalid", name)
	for _, err := range errs {
		msg += "; " + err.Error()
	}
	return types.NewError(types.ErrCodeGraphValidation, msg)
}

// outgoing returns the edges leaving nodeID, highest priority first. Order is
// stable for equal priorities.
func (g *Graph) outgoing(nodeID string) []Edge {
	out := make([]Edge, 0)
	for _, edge := range g.Edges {
		if edge.Source == nodeID {
			out = append(out, edge)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// nextNode selects the successor of nodeID for the given route label: the
// highest-priority edge whose condition matches the label exactly, falling
// back to the highest-priority unconditional edge. ok is false when nothing
// matches.
func (g *Graph) nextNode(nodeID, label string) (string, bool) {
	edges := g.outgoing(nodeID)

	if label != "" {
		for _, edge := range edges {
			if edge.Condition == label {
				return edge.Target, true
			}
		}
	}
	for _, edge := range edges {
		if edge.Condition == "" {
			return edge.Target, true
		}
	}
	return "", false
}

// MarshalJSON emits the externally-authored wire shape with nodes as a list,
// sorted by ID for stable output.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.definition())
}

// UnmarshalJSON parses the wire shape.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var def graphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	g.fromDefinition(def)
	return nil
}

// MarshalYAML emits the wire shape for YAML.
func (g *Graph) MarshalYAML() (interface{}, error) {
	return g.definition(), nil
}

// UnmarshalYAML parses the wire shape from YAML.
func (g *Graph) UnmarshalYAML(node *yaml.Node) error {
	var def graphDefinition
	if err := node.Decode(&def); err != nil {
		return fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	g.fromDefinition(def)
	return nil
}

// ParseGraph parses an externally-authored JSON graph definition.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, types.NewError(types.ErrCodeGraphValidation, "undecodable graph definition").WithCause(err)
	}
	return &g, nil
}

func (g *Graph) definition() graphDefinition {
	nodes := make([]Node, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return graphDefinition{Name: g.Name, Nodes: nodes, Edges: g.Edges}
}

func (g *Graph) fromDefinition(def graphDefinition) {
	g.Name = def.Name
	g.Edges = def.Edges
	g.Nodes = make(map[string]Node, len(def.Nodes))
	for _, node := range def.Nodes {
		g.Nodes[node.ID] = node
	}
}
