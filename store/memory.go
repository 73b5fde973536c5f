package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/agentmesh/types"
)

// MemoryStore is an in-memory MessageStore and RunStore. Suitable for
// development and tests; data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string]types.Message
	byCorrelate map[string][]string // correlation ID -> message IDs, insert order
	runs        map[string]RunRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string]types.Message),
		byCorrelate: make(map[string][]string),
		runs:        make(map[string]RunRecord),
	}
}

// SaveMessage persists one message, overwriting any previous copy.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg types.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; !exists && msg.CorrelationID != "" {
		s.byCorrelate[msg.CorrelationID] = append(s.byCorrelate[msg.CorrelationID], msg.ID)
	}
	s.messages[msg.ID] = msg
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

// ListByCorrelation returns every message correlated to the given message ID,
// oldest first.
func (s *MemoryStore) ListByCorrelation(ctx context.Context, correlationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byCorrelate[correlationID]
	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveRun persists one run record.
func (s *MemoryStore) SaveRun(ctx context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run record by ID.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

// ListRuns returns the most recent runs of a workflow, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, workflow string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunRecord, 0)
	for _, run := range s.runs {
		if run.Workflow == workflow {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
