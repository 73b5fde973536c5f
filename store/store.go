package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Run statuses.
const (
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCycleLimit = "cycle_limit"
)

// RunRecord captures the outcome of one workflow run.
type RunRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Workflow   string    `json:"workflow" gorm:"index"`
	Status     string    `json:"status"`
	Cycles     int       `json:"cycles"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// MessageStore persists message envelopes. Dispatchers treat it as optional:
// a nil store means no persistence.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	// ListByCorrelation returns every message correlated to the given
	// message ID, oldest first.
	ListByCorrelation(ctx context.Context, correlationID string) ([]types.Message, error)
}

// RunStore persists workflow run records.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns the most recent runs of a workflow, newest first.
	// A limit <= 0 means no limit.
	ListRuns(ctx context.Context, workflow string, limit int) ([]RunRecord, error)
}
