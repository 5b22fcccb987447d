// Package memory provides an in-memory checkpoint store for testing and
// development.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
)

var _ replication.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is a thread-safe map of client ID to position.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]replication.Position
	saves       int
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]replication.Position)}
}

func (cs *CheckpointStore) Save(ctx context.Context, clientID string, pos replication.Position) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.checkpoints[clientID] = pos
	cs.saves++
	return nil
}

func (cs *CheckpointStore) Load(ctx context.Context, clientID string) (replication.Position, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	pos, ok := cs.checkpoints[clientID]
	if !ok {
		return replication.Position{}, replication.ErrNoCheckpoint
	}
	return pos, nil
}

// Saves reports how many times Save has been called.
func (cs *CheckpointStore) Saves() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.saves
}
