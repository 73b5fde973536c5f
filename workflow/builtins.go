package workflow

import (
	"context"

	"github.com/BaSui01/agentmesh/types"
)

// Route labels produced by the built-in conditions.
const (
	RouteApproved = "approved"
	RouteRejected = "rejected"
)

// IsApproved is the built-in "is_approved" condition: it reads the approval
// flag of the run's last message and routes "approved" or "rejected". A run
// with no messages, or a payload without the flag, routes "rejected".
func IsApproved(ctx context.Context, state ExecutionState, node Node) (string, error) {
	msg := state.LastMessage()
	if msg == nil {
		return RouteRejected, nil
	}

	switch content := msg.Content.(type) {
	case types.EvaluationResult:
		if content.Approved {
			return RouteApproved, nil
		}
	case *types.EvaluationResult:
		if content != nil && content.Approved {
			return RouteApproved, nil
		}
	case map[string]any:
		if approved, ok := content["approved"].(bool); ok && approved {
			return RouteApproved, nil
		}
	}
	return RouteRejected, nil
}
