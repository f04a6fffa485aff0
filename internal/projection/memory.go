package projection

import (
	"context"
	"strings"
	"sync"

	"github.com/provenancedb/provenance/internal/storage"
)

// MemoryCheckpoints is an in-memory checkpoint store for tests and
// single-process projections that can afford to rebuild on restart.
type MemoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]storage.Checkpoint
}

// NewMemoryCheckpoints creates an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{checkpoints: make(map[string]storage.Checkpoint)}
}

func (m *MemoryCheckpoints) GetCheckpoint(ctx context.Context, projectionID string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoint, ok := m.checkpoints[strings.TrimSpace(projectionID)]
	if !ok {
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	return checkpoint, nil
}

func (m *MemoryCheckpoints) SaveCheckpoint(ctx context.Context, checkpoint storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.checkpoints[checkpoint.ProjectionID]
	if ok && existing.Position >= checkpoint.Position {
		return nil
	}
	m.checkpoints[checkpoint.ProjectionID] = checkpoint
	return nil
}

// Reset drops a projection's checkpoint so the next run rebuilds from the
// start of the journal.
func (m *MemoryCheckpoints) Reset(projectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, projectionID)
}
