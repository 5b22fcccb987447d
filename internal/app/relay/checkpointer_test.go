package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	storemem "github.com/ahrav/binlog-relay/internal/infra/storage/memory"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
)

type checkpointCounts struct {
	mu     sync.Mutex
	saved  int
	errors int
}

func (c *checkpointCounts) IncCheckpointSaved(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved++
}

func (c *checkpointCounts) IncCheckpointErrors(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, string, replication.Position) error { return f.err }
func (f failingStore) Load(context.Context, string) (replication.Position, error) {
	return replication.Position{}, replication.ErrNoCheckpoint
}

func at(offset uint64) replication.Position {
	return replication.Position{File: "mysql-bin.000002", Offset: offset}
}

func TestCheckpointerIgnoresRegressions(t *testing.T) {
	cp := NewCheckpointer(storemem.NewCheckpointStore(), "c1", at(100), time.Second, logger.Noop(), new(checkpointCounts))

	cp.Advance(at(50))
	assert.Equal(t, at(100), cp.Latest())

	cp.Advance(at(100))
	assert.Equal(t, at(100), cp.Latest())

	cp.Advance(at(150))
	assert.Equal(t, at(150), cp.Latest())

	cp.Advance(replication.Position{File: "mysql-bin.000001", Offset: 9999})
	assert.Equal(t, at(150), cp.Latest())
}

func TestCheckpointerFlushCoalesces(t *testing.T) {
	ctx := context.Background()
	store := storemem.NewCheckpointStore()
	counts := new(checkpointCounts)
	cp := NewCheckpointer(store, "c1", replication.Position{}, time.Second, logger.Noop(), counts)

	require.NoError(t, cp.Flush(ctx))
	assert.Equal(t, 0, store.Saves())

	cp.Advance(at(10))
	cp.Advance(at(20))
	cp.Advance(at(30))
	require.NoError(t, cp.Flush(ctx))
	require.NoError(t, cp.Flush(ctx))

	assert.Equal(t, 1, store.Saves())
	assert.Equal(t, at(30), cp.Saved())

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, at(30), got)
	assert.Equal(t, 1, counts.saved)
}

func TestCheckpointerFlushError(t *testing.T) {
	errDown := errors.New("database down")
	counts := new(checkpointCounts)
	cp := NewCheckpointer(failingStore{err: errDown}, "c1", replication.Position{}, time.Second, logger.Noop(), counts)

	cp.Advance(at(10))
	err := cp.Flush(context.Background())
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, counts.errors)
	assert.True(t, cp.Saved().IsZero())
}

func TestCheckpointerRunFlushesPeriodicallyAndOnStop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := storemem.NewCheckpointStore()
		cp := NewCheckpointer(store, "c1", replication.Position{}, time.Second, logger.Noop(), new(checkpointCounts))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- cp.Run(ctx) }()

		cp.Advance(at(10))
		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 1, store.Saves())
		assert.Equal(t, at(10), cp.Saved())

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, 1, store.Saves(), "unchanged cursor must not be rewritten")

		cp.Advance(at(20))
		cancel()
		require.NoError(t, <-done)

		assert.Equal(t, 2, store.Saves())
		got, err := store.Load(context.Background(), "c1")
		require.NoError(t, err)
		assert.Equal(t, at(20), got)
	})
}
