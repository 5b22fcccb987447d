package pebblestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/binlog-relay/internal/domain/replication"
	"github.com/ahrav/binlog-relay/internal/infra/storage"
)

func TestPebbleCheckpointStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(Options{DataDir: dir}, storage.NoOpTracer())
	require.NoError(t, err)

	_, err = store.Load(ctx, "relay-1")
	assert.ErrorIs(t, err, replication.ErrNoCheckpoint)

	pos := replication.Position{File: "mysql-bin.000007", Offset: 98765}
	require.NoError(t, store.Save(ctx, "relay-1", pos))
	require.NoError(t, store.Save(ctx, "relay-2", replication.Position{File: "mysql-bin.000001", Offset: 4}))
	require.NoError(t, store.Close())

	reopened, err := Open(Options{DataDir: dir}, storage.NoOpTracer())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "relay-1")
	require.NoError(t, err)
	assert.Equal(t, pos, loaded)
}

func TestPebbleCheckpointStore_Validation(t *testing.T) {
	_, err := Open(Options{}, storage.NoOpTracer())
	assert.Error(t, err)

	store, err := Open(Options{DataDir: t.TempDir()}, storage.NoOpTracer())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Save(context.Background(), "relay-1", replication.Position{}))
}
