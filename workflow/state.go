package workflow

import (
	"github.com/BaSui01/agentmesh/types"
)

// ExecutionState is the per-run state threaded through a graph. Executors
// treat it as a value: every step works on a copy and contributes a Delta,
// so node logic stays pure and independently testable.
type ExecutionState struct {
	// Messages is the append-only message log of the run.
	Messages []types.Message `json:"messages"`
	// History records visited node IDs in order.
	History []string `json:"history"`
	// Scratch is arbitrary run-scoped key/value data.
	Scratch map[string]any `json:"scratch,omitempty"`
	// LastResult is the most recent handler result.
	LastResult any `json:"last_result,omitempty"`
	// RouteResult is the transient label a router produced. The edge
	// selection immediately after consumes and clears it.
	RouteResult string `json:"route_result,omitempty"`
	// CycleCount increments on every agent step.
	CycleCount int `json:"cycle_count"`
}

// NewExecutionState creates the initial state of a run.
func NewExecutionState(scratch map[string]any, messages ...types.Message) ExecutionState {
	state := ExecutionState{
		Messages: append([]types.Message(nil), messages...),
		Scratch:  make(map[string]any, len(scratch)),
	}
	for k, v := range scratch {
		state.Scratch[k] = v
	}
	return state
}

// LastMessage returns the newest message of the run, or nil when none exist.
func (s ExecutionState) LastMessage() *types.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	msg := s.Messages[len(s.Messages)-1]
	return &msg
}

// clone copies the state so a step never aliases its predecessor's slices
// or scratch map.
func (s ExecutionState) clone() ExecutionState {
	out := s
	out.Messages = append([]types.Message(nil), s.Messages...)
	out.History = append([]string(nil), s.History...)
	out.Scratch = make(map[string]any, len(s.Scratch))
	for k, v := range s.Scratch {
		out.Scratch[k] = v
	}
	return out
}

// Delta is the partial update a node contributes. Zero-value fields leave the
// state untouched.
type Delta struct {
	// Messages are appended to the run's message log.
	Messages []types.Message
	// Scratch entries are merged over the run's scratch data.
	Scratch map[string]any
	// LastResult replaces the run's last result when non-nil.
	LastResult any
}

// apply merges a delta onto the state and returns the updated copy.
func (s ExecutionState) apply(d Delta) ExecutionState {
	out := s.clone()
	out.Messages = append(out.Messages, d.Messages...)
	for k, v := range d.Scratch {
		out.Scratch[k] = v
	}
	if d.LastResult != nil {
		out.LastResult = d.LastResult
	}
	return out
}

// visit appends a node to the history and returns the updated copy.
func (s ExecutionState) visit(nodeID string) ExecutionState {
	out := s.clone()
	out.History = append(out.History, nodeID)
	return out
}
