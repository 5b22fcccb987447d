package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
)

// DefaultFlushInterval is how often the checkpointer persists the cursor.
const DefaultFlushInterval = time.Second

// finalFlushTimeout bounds the flush performed when the checkpointer stops.
const finalFlushTimeout = 10 * time.Second

// Checkpointer coalesces cursor advances and periodically persists the most
// recent one. Positions only ever move forward.
type Checkpointer struct {
	store    replication.CheckpointStore
	clientID string
	interval time.Duration

	mu     sync.Mutex
	latest replication.Position
	saved  replication.Position
	dirty  bool

	logger  *logger.Logger
	metrics CheckpointMetrics
}

// NewCheckpointer creates a Checkpointer whose cursor starts at start, the
// position loaded from the store (zero if none).
func NewCheckpointer(
	store replication.CheckpointStore,
	clientID string,
	start replication.Position,
	interval time.Duration,
	logger *logger.Logger,
	metrics CheckpointMetrics,
) *Checkpointer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Checkpointer{
		store:    store,
		clientID: clientID,
		interval: interval,
		latest:   start,
		saved:    start,
		logger:   logger.With("component", "checkpointer", "client_id", clientID),
		metrics:  metrics,
	}
}

// Advance records pos as safe to checkpoint. A position that does not move
// the cursor forward is logged and ignored.
func (c *Checkpointer) Advance(pos replication.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.latest.IsZero() && !c.latest.Less(pos) {
		c.logger.Warn(context.Background(), "Ignoring non-monotonic cursor advance",
			"current", c.latest.Identifier(),
			"attempted", pos.Identifier(),
		)
		return
	}
	c.latest = pos
	c.dirty = true
}

// Latest returns the most recent cursor, persisted or not.
func (c *Checkpointer) Latest() replication.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Saved returns the most recently persisted cursor.
func (c *Checkpointer) Saved() replication.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

// Flush persists the latest cursor if it changed since the last flush.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	pos := c.latest
	c.mu.Unlock()

	if err := c.store.Save(ctx, c.clientID, pos); err != nil {
		c.metrics.IncCheckpointErrors(ctx)
		return fmt.Errorf("failed to save checkpoint %s: %w", pos, err)
	}
	c.metrics.IncCheckpointSaved(ctx)

	c.mu.Lock()
	c.saved = pos
	if c.latest == pos {
		c.dirty = false
	}
	c.mu.Unlock()

	c.logger.Debug(ctx, "Checkpoint saved", "position", pos.Identifier())
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
// Periodic failures are logged and retried on the next tick; only the final
// flush's error is returned.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn(ctx, "Periodic checkpoint flush failed", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			return c.Flush(flushCtx)
		}
	}
}
