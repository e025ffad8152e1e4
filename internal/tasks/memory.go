package tasks

import (
	"context"
	"sync"

	"github.com/podlabs/pod-gateway/internal/domain"
)

// MemoryEnqueuer records jobs in memory. For tests and queue-less local runs.
type MemoryEnqueuer struct {
	mu   sync.Mutex
	jobs []domain.ChatMessage
}

func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{}
}

func (e *MemoryEnqueuer) EnqueueMessage(ctx context.Context, msg domain.ChatMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, msg)
	return nil
}

// Jobs returns a copy of everything enqueued so far (useful for testing)
func (e *MemoryEnqueuer) Jobs() []domain.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ChatMessage, len(e.jobs))
	copy(out, e.jobs)
	return out
}
